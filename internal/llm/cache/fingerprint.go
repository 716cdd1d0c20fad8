package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the cache key for a request: the SHA-256 hex digest of
// the request's canonical JSON form. Two requests that differ only in map
// ordering or in fields set to null produce the same key.
func Fingerprint(payload map[string]any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, payload); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// writeCanonical renders a JSON value deterministically: object keys sorted,
// null values elided, floats at full precision.
func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case string:
		writeJSONString(b, val)
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("cache: non-finite number in request payload")
		}
		// Integral floats print without a fraction so that 1 and 1.0 agree.
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			b.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		b.WriteString(val.String())
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return fmt.Errorf("cache: invalid raw JSON in request payload: %w", err)
		}
		return writeCanonical(b, decoded)
	default:
		// Structured values (messages, params) normalize through JSON.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("cache: unencodable value in request payload: %w", err)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return err
		}
		return writeCanonical(b, decoded)
	}
	return nil
}

func writeJSONString(b *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	b.Write(data)
}

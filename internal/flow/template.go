package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
)

// placeholderRe matches {{ name }} with optional inner whitespace. The
// template language is substitution only; no control flow, no partials.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// RenderTemplate substitutes {{ name }} placeholders from vars. String
// values substitute verbatim; anything else is JSON-encoded. An unbound
// placeholder is a validation error.
func RenderTemplate(template string, vars map[string]any) (string, error) {
	var missing []string
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		if s, isString := value.(string); isString {
			return s
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			missing = append(missing, name)
			return match
		}
		return string(encoded)
	})
	if len(missing) > 0 {
		return "", llmerrors.Validation(
			fmt.Sprintf("template references unbound variables: %s", strings.Join(missing, ", ")), nil)
	}
	return rendered, nil
}

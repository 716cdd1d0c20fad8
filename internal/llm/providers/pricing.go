package providers

// ModelRate is the USD price per million tokens for one model.
type ModelRate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// RateTable maps model id to its rate. Tables are static and live next to
// the adapter they price; unknown models fall back to the cheapest entry.
type RateTable map[string]ModelRate

// Lookup resolves the rate for a model, trying exact match first, then
// prefix match for versioned ids, then the cheapest entry in the table.
func (t RateTable) Lookup(model string) ModelRate {
	if rate, ok := t[model]; ok {
		return rate
	}
	for id, rate := range t {
		if hasVersionedPrefix(model, id) {
			return rate
		}
	}
	return t.cheapest()
}

// Estimate returns the USD cost for the given token counts.
func (t RateTable) Estimate(promptTokens, completionTokens int, model string) float64 {
	rate := t.Lookup(model)
	return float64(promptTokens)/1e6*rate.InputPer1M + float64(completionTokens)/1e6*rate.OutputPer1M
}

func (t RateTable) cheapest() ModelRate {
	var best ModelRate
	found := false
	for _, rate := range t {
		if !found || rate.InputPer1M+rate.OutputPer1M < best.InputPer1M+best.OutputPer1M {
			best = rate
			found = true
		}
	}
	return best
}

func hasVersionedPrefix(model, id string) bool {
	if len(model) <= len(id) {
		return false
	}
	return model[:len(id)] == id && (model[len(id)] == '-' || model[len(id)] == '.' || model[len(id)] == ':')
}

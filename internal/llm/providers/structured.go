package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// generateObjectViaPrompt is the shared structured-output fallback for
// vendors without a native schema-constrained mode: the schema is injected
// as a system-level instruction, and the textual reply is parsed as JSON and
// validated. Parse or validation failures surface as validation errors.
func generateObjectViaPrompt(ctx context.Context, p Provider, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	injected := *req
	injected.Messages = make([]models.Message, 0, len(req.Messages)+1)
	injected.Messages = append(injected.Messages, models.SystemMessage(s.PromptInstruction()))
	injected.Messages = append(injected.Messages, req.Messages...)

	resp, err := p.GenerateResponse(ctx, &injected)
	if err != nil {
		return nil, nil, err
	}

	raw, err := schema.ExtractJSON(resp.Content)
	if err != nil {
		return nil, resp, err
	}
	if err := s.Validate(raw); err != nil {
		return nil, resp, err
	}
	return raw, resp, nil
}

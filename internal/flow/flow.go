// Package flow runs ordered pipelines of LLM-powered steps, persisting run
// and step records with progress as they advance. Flows execute in the
// caller's goroutine or detached in the background; the task queue drives
// the same engine from worker processes.
package flow

import (
	"context"

	"github.com/haasonsaas/conduit/internal/schema"
)

// StepKind selects the step body.
type StepKind string

const (
	// StepUnstructured renders the template and returns the model's text.
	StepUnstructured StepKind = "unstructured_llm"

	// StepStructured renders the template and returns a schema-validated
	// JSON object.
	StepStructured StepKind = "structured_llm"

	// StepImage dispatches to image generation; inputs carry the prompt.
	StepImage StepKind = "image"

	// StepAudio dispatches to speech synthesis; inputs carry the text.
	StepAudio StepKind = "audio"
)

// Step declares one pipeline step. LLM steps render Template against the
// step inputs; Image and Audio steps read their request fields from the
// inputs directly.
type Step struct {
	Name string
	Kind StepKind

	// Template is the prompt template for LLM steps ({{ name }}
	// substitution).
	Template string

	// PromptFile names the template's source for metadata reporting.
	PromptFile string

	// InputSchema, when set, validates the step inputs before execution.
	InputSchema *schema.Schema

	// OutputSchema constrains structured steps.
	OutputSchema *schema.Schema

	// Model and sampling overrides; zero values defer to configuration.
	Model           string
	Temperature     *float64
	MaxOutputTokens *int
}

// Body is a custom flow body. It receives the validated inputs and runs
// steps through the engine bound in ctx.
type Body func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Flow is a named pipeline. When Body is nil the engine runs Steps in
// order, exposing each step's output to later templates under the step
// name and collecting all outputs keyed by step name.
type Flow struct {
	Name string

	// InputSchema, when set, validates the run inputs.
	InputSchema *schema.Schema

	Steps []Step
	Body  Body
}

// StepMetadata is the accounting attached to a step result.
type StepMetadata struct {
	StepRunID    string  `json:"step_run_id"`
	Tokens       int     `json:"tokens"`
	Cost         float64 `json:"cost"`
	ElapsedMS    int64   `json:"elapsed_ms"`
	LLMRequestID string  `json:"llm_request_id,omitempty"`
	StepType     string  `json:"step_type"`
	PromptFile   string  `json:"prompt_file,omitempty"`
}

// StepResult is what a step hands back to the flow body.
type StepResult struct {
	StepName string
	Output   any
	Metadata StepMetadata
}

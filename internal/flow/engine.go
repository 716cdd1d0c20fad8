package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// LLMClient is the slice of the LLM service the engine drives. Satisfied
// by *llm.Service; tests substitute a scripted implementation.
type LLMClient interface {
	GenerateResponse(ctx context.Context, messages []models.Message, opts llm.Options) (*models.LLMResponse, string, error)
	GenerateStructured(ctx context.Context, messages []models.Message, sc *schema.Schema, opts llm.Options) (json.RawMessage, *models.LLMResponse, string, error)
	GenerateImage(ctx context.Context, req *models.ImageRequest, userID *int64) (*models.ImageResponse, string, error)
	GenerateAudio(ctx context.Context, req *models.AudioRequest, userID *int64) (*models.AudioResponse, string, error)
}

// Engine executes flows against the run/step store and the LLM service.
type Engine struct {
	store  Store
	llm    LLMClient
	logger *observability.Logger
}

// NewEngine creates a flow engine.
func NewEngine(store Store, client LLMClient, logger *observability.Logger) *Engine {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Engine{store: store, llm: client, logger: logger}
}

// CreateRun persists a new run row in pending state. The task queue calls
// this directly so a run id exists before the job is enqueued.
func (e *Engine) CreateRun(ctx context.Context, flowName string, inputs map[string]any, userID *int64, mode models.ExecutionMode) (*models.FlowRun, error) {
	run := &models.FlowRun{
		FlowName:      flowName,
		UserID:        userID,
		Inputs:        inputs,
		ExecutionMode: mode,
		Status:        models.FlowRunPending,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Execute runs the flow to completion in the caller's goroutine and returns
// its outputs. The run row moves pending -> running -> completed/failed.
func (e *Engine) Execute(ctx context.Context, f *Flow, inputs map[string]any, userID *int64) (map[string]any, error) {
	if err := validateInputs(f.InputSchema, inputs); err != nil {
		return nil, err
	}
	run, err := e.CreateRun(ctx, f.Name, inputs, userID, models.ExecutionSync)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, f, run, inputs, nil)
}

// ExecuteBackground validates and persists the run, then detaches a
// goroutine that drives it with a fresh context. The run id returns
// immediately; completion and failure land on the run row exactly as in the
// foreground path. The engine never retries a failed background run.
func (e *Engine) ExecuteBackground(ctx context.Context, f *Flow, inputs map[string]any, userID *int64) (string, error) {
	if err := validateInputs(f.InputSchema, inputs); err != nil {
		return "", err
	}
	run, err := e.CreateRun(ctx, f.Name, inputs, userID, models.ExecutionBackground)
	if err != nil {
		return "", err
	}

	go func() {
		bgCtx := observability.WithRunID(context.Background(), run.ID)
		if _, err := e.drive(bgCtx, f, run, inputs, nil); err != nil {
			e.logger.Error(bgCtx, "background flow run failed",
				"flow", f.Name, "run_id", run.ID, "error", err)
		}
	}()
	return run.ID, nil
}

// ProgressFunc receives step advancement notifications alongside the run
// row updates. Total is zero when the flow body decides its own step count.
type ProgressFunc func(stepName string, order, total int)

// ExecuteRun drives an already-created run, used by queue workers that
// receive a run id from the submitter.
func (e *Engine) ExecuteRun(ctx context.Context, f *Flow, runID string) (map[string]any, error) {
	return e.ExecuteRunWithProgress(ctx, f, runID, nil)
}

// ExecuteRunWithProgress is ExecuteRun with a step progress callback, used
// by workers to mirror advancement into the task observation store.
func (e *Engine) ExecuteRunWithProgress(ctx context.Context, f *Flow, runID string, onStep ProgressFunc) (map[string]any, error) {
	run, err := e.store.RunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, llmerrors.Execution(fmt.Sprintf("flow run %s already %s", runID, run.Status))
	}
	if err := validateInputs(f.InputSchema, run.Inputs); err != nil {
		failErr := e.store.FailRun(ctx, runID, err.Error())
		if failErr != nil {
			e.logger.Error(ctx, "run failure write failed", "run_id", runID, "error", failErr)
		}
		return nil, err
	}
	return e.drive(ctx, f, run, run.Inputs, onStep)
}

// Run returns the current state of a run.
func (e *Engine) Run(ctx context.Context, runID string) (*models.FlowRun, error) {
	return e.store.RunByID(ctx, runID)
}

// Steps returns the step rows of a run in order.
func (e *Engine) Steps(ctx context.Context, runID string) ([]*models.FlowStepRun, error) {
	return e.store.StepsByRun(ctx, runID)
}

// drive binds the execution context, runs the flow body, and writes the
// terminal state. On failure the run is marked failed and the error
// propagates to the caller.
func (e *Engine) drive(ctx context.Context, f *Flow, run *models.FlowRun, inputs map[string]any, onStep ProgressFunc) (map[string]any, error) {
	ec := &ExecutionContext{
		engine: e,
		RunID:  run.ID,
		UserID: run.UserID,
		onStep: onStep,
	}
	if f.Body == nil {
		ec.totalSteps = len(f.Steps)
	}
	ctx = WithExecutionContext(observability.WithRunID(ctx, run.ID), ec)

	if err := e.store.MarkRunRunning(ctx, run.ID); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "flow run started", "flow", f.Name)

	outputs, err := e.runBody(ctx, f, inputs)
	tokens, cost := ec.totals()
	if err != nil {
		if failErr := e.store.FailRun(ctx, run.ID, err.Error()); failErr != nil {
			e.logger.Error(ctx, "run failure write failed", "error", failErr)
		}
		e.logger.Warn(ctx, "flow run failed", "flow", f.Name, "error", err)
		return nil, err
	}

	if err := e.store.CompleteRun(ctx, run.ID, outputs, tokens, cost); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "flow run completed", "flow", f.Name,
		"tokens", tokens, "cost", cost)
	return outputs, nil
}

// runBody executes the custom body when present, else the declared steps in
// order. Each step's output is exposed to later templates under the step
// name.
func (e *Engine) runBody(ctx context.Context, f *Flow, inputs map[string]any) (map[string]any, error) {
	if f.Body != nil {
		return f.Body(ctx, inputs)
	}
	if len(f.Steps) == 0 {
		return nil, llmerrors.Validation(fmt.Sprintf("flow %s declares no steps and no body", f.Name), nil)
	}

	vars := make(map[string]any, len(inputs))
	for k, v := range inputs {
		vars[k] = v
	}
	outputs := make(map[string]any, len(f.Steps))
	for _, step := range f.Steps {
		result, err := e.RunStep(ctx, step, vars)
		if err != nil {
			return nil, err
		}
		vars[step.Name] = result.Output
		outputs[step.Name] = result.Output
	}
	return outputs, nil
}

// RunStep executes one step under the bound execution context: it creates
// the step row, runs the kind-specific body, records usage and progress,
// and returns the result. On failure after row creation the row is marked
// failed and the error propagates.
func (e *Engine) RunStep(ctx context.Context, step Step, inputs map[string]any) (*StepResult, error) {
	if err := validateInputs(step.InputSchema, inputs); err != nil {
		return nil, err
	}
	ec, ok := FromContext(ctx)
	if !ok {
		return nil, llmerrors.Execution("no execution context bound; steps must run inside a flow")
	}

	row := &models.FlowStepRun{
		FlowRunID: ec.RunID,
		StepName:  step.Name,
		StepOrder: ec.NextOrder(),
		Status:    models.StepPending,
		Inputs:    inputs,
	}
	if err := e.store.CreateStep(ctx, row); err != nil {
		return nil, err
	}

	start := time.Now()
	output, tokens, cost, requestID, err := e.runStepBody(ctx, step, inputs, ec.UserID)
	elapsed := time.Since(start)
	if err != nil {
		if failErr := e.store.FailStep(ctx, row.ID, err.Error(), elapsed.Milliseconds()); failErr != nil {
			e.logger.Error(ctx, "step failure write failed", "step", step.Name, "error", failErr)
		}
		return nil, err
	}

	done := StepCompletion{
		Outputs:      map[string]any{"output": output},
		TokensUsed:   tokens,
		CostEstimate: cost,
		ElapsedMS:    elapsed.Milliseconds(),
		LLMRequestID: requestID,
	}
	if err := e.store.CompleteStep(ctx, row.ID, done); err != nil {
		return nil, err
	}
	ec.recordUsage(tokens, cost)
	e.updateProgress(ctx, ec, step.Name, row.StepOrder)

	return &StepResult{
		StepName: step.Name,
		Output:   output,
		Metadata: StepMetadata{
			StepRunID:    row.ID,
			Tokens:       tokens,
			Cost:         cost,
			ElapsedMS:    elapsed.Milliseconds(),
			LLMRequestID: requestID,
			StepType:     string(step.Kind),
			PromptFile:   step.PromptFile,
		},
	}, nil
}

func (e *Engine) runStepBody(ctx context.Context, step Step, inputs map[string]any, userID *int64) (output any, tokens int, cost float64, requestID string, err error) {
	opts := llm.Options{
		UserID:          userID,
		Model:           step.Model,
		Temperature:     step.Temperature,
		MaxOutputTokens: step.MaxOutputTokens,
	}

	switch step.Kind {
	case StepUnstructured:
		prompt, renderErr := RenderTemplate(step.Template, inputs)
		if renderErr != nil {
			return nil, 0, 0, "", renderErr
		}
		resp, reqID, genErr := e.llm.GenerateResponse(ctx, []models.Message{models.UserMessage(prompt)}, opts)
		if genErr != nil {
			return nil, 0, 0, reqID, genErr
		}
		return resp.Content, resp.Usage.TotalTokens, resp.CostEstimate, reqID, nil

	case StepStructured:
		if step.OutputSchema == nil {
			return nil, 0, 0, "", llmerrors.Validation(
				fmt.Sprintf("structured step %s declares no output schema", step.Name), nil)
		}
		prompt, renderErr := RenderTemplate(step.Template, inputs)
		if renderErr != nil {
			return nil, 0, 0, "", renderErr
		}
		raw, resp, reqID, genErr := e.llm.GenerateStructured(ctx,
			[]models.Message{models.UserMessage(prompt)}, step.OutputSchema, opts)
		if genErr != nil {
			return nil, 0, 0, reqID, genErr
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, 0, 0, reqID, llmerrors.Validation("structured step output is not valid JSON", err)
		}
		return decoded, resp.Usage.TotalTokens, resp.CostEstimate, reqID, nil

	case StepImage:
		req, buildErr := imageRequestFromInputs(step, inputs)
		if buildErr != nil {
			return nil, 0, 0, "", buildErr
		}
		resp, reqID, genErr := e.llm.GenerateImage(ctx, req, userID)
		if genErr != nil {
			return nil, 0, 0, reqID, genErr
		}
		out := map[string]any{"url": resp.URL, "model": resp.Model}
		if resp.RevisedPrompt != "" {
			out["revised_prompt"] = resp.RevisedPrompt
		}
		if resp.B64JSON != "" {
			out["b64_json"] = resp.B64JSON
		}
		return out, 0, resp.CostEstimate, reqID, nil

	case StepAudio:
		req, buildErr := audioRequestFromInputs(step, inputs)
		if buildErr != nil {
			return nil, 0, 0, "", buildErr
		}
		resp, reqID, genErr := e.llm.GenerateAudio(ctx, req, userID)
		if genErr != nil {
			return nil, 0, 0, reqID, genErr
		}
		out := map[string]any{
			"format":      resp.Format,
			"model":       resp.Model,
			"audio_bytes": len(resp.Audio),
		}
		return out, 0, resp.CostEstimate, reqID, nil
	}
	return nil, 0, 0, "", llmerrors.Validation(fmt.Sprintf("unknown step kind %q", step.Kind), nil)
}

func (e *Engine) updateProgress(ctx context.Context, ec *ExecutionContext, stepName string, order int) {
	progress := models.FlowProgress{
		CurrentStep:  stepName,
		StepProgress: order,
	}
	if ec.totalSteps > 0 {
		progress.TotalSteps = ec.totalSteps
		progress.Percentage = float64(order) / float64(ec.totalSteps) * 100
	}
	if err := e.store.UpdateRunProgress(ctx, ec.RunID, progress); err != nil {
		e.logger.Warn(ctx, "progress update failed", "error", err)
	}
	if ec.onStep != nil {
		ec.onStep(stepName, order, ec.totalSteps)
	}
}

func imageRequestFromInputs(step Step, inputs map[string]any) (*models.ImageRequest, error) {
	prompt, ok := inputs["prompt"].(string)
	if !ok || prompt == "" {
		return nil, llmerrors.Validation(
			fmt.Sprintf("image step %s requires a string prompt input", step.Name), nil)
	}
	req := &models.ImageRequest{Prompt: prompt, Model: step.Model}
	if v, ok := inputs["size"].(string); ok {
		req.Size = v
	}
	if v, ok := inputs["quality"].(string); ok {
		req.Quality = v
	}
	if v, ok := inputs["style"].(string); ok {
		req.Style = v
	}
	return req, nil
}

func audioRequestFromInputs(step Step, inputs map[string]any) (*models.AudioRequest, error) {
	text, ok := inputs["text"].(string)
	if !ok || text == "" {
		return nil, llmerrors.Validation(
			fmt.Sprintf("audio step %s requires a string text input", step.Name), nil)
	}
	req := &models.AudioRequest{Text: text, Model: step.Model}
	if v, ok := inputs["voice"].(string); ok {
		req.Voice = v
	}
	if v, ok := inputs["format"].(string); ok {
		req.Format = v
	}
	if v, ok := inputs["speed"].(float64); ok {
		req.Speed = v
	}
	return req, nil
}

// validateInputs checks the inputs against the declared schema, when one
// exists.
func validateInputs(sc *schema.Schema, inputs map[string]any) error {
	if sc == nil {
		return nil
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return llmerrors.Validation("inputs are not JSON-encodable", err)
	}
	return sc.Validate(data)
}

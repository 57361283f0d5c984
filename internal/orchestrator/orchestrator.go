// Package orchestrator runs the engine's LLM tasks and turns every outcome,
// including failures, into an event the engine can fold.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/llm"
	"github.com/ashureev/questline/internal/metrics"
	"github.com/ashureev/questline/internal/transcript"
)

// ErrUnknownTask is returned for a task type the orchestrator has no executor for.
var ErrUnknownTask = errors.New("unknown llm task type")

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 60 * time.Second

// Fixed sampling per task. Each capability keeps its own contract.
const (
	narrateTemperature  = 0.7
	narrateMaxTokens    = 300
	simpleMaxTokens     = 2000
	evaluateTemperature = 0.0
	evaluateMaxTokens   = 500
	hintTemperature     = 0.5
	hintMaxTokens       = 200
)

// Messages used when the model cannot be reached or answers badly.
const (
	narrationUnavailable = "The game master is briefly unavailable. Carry on with this step; your progress is saved."
	hintUnavailable      = "No hint is available right now. Reread the instruction and try breaking the problem into smaller parts."
	evaluationRetry      = "Please try submitting again."
)

// Task outcomes recorded in metrics.
const (
	outcomeOK       = "ok"
	outcomeDegraded = "degraded"
	outcomeFailed   = "failed"
)

// Resolver picks a provider and model for a call.
type Resolver interface {
	Resolve(provider, model string) (llm.Provider, string, error)
}

// Call identifies who a task runs for and which provider override applies.
type Call struct {
	SessionID string
	UserID    string
	Provider  string
	Model     string
}

// Result is the event the caller appends and applies.
type Result struct {
	Type    domain.EventType
	Payload any
}

// Config holds the orchestrator's optional collaborators.
type Config struct {
	Timeout    time.Duration
	Transcript *transcript.Logger
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Orchestrator executes LLM tasks. It never touches session state.
type Orchestrator struct {
	resolver   Resolver
	timeout    time.Duration
	transcript *transcript.Logger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates an orchestrator over resolver.
func New(resolver Resolver, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		resolver:   resolver,
		timeout:    cfg.Timeout,
		transcript: cfg.Transcript,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("github.com/ashureev/questline/internal/orchestrator"),
	}
}

// Execute runs task and returns the resulting event. Model failures are
// folded into a degraded result; only an unknown task type is an error.
func (o *Orchestrator) Execute(ctx context.Context, call Call, task domain.LLMTask) (Result, error) {
	switch task.Type {
	case domain.TaskGMNarrate:
		return o.narrate(ctx, call, task), nil
	case domain.TaskLEMEvaluate:
		return o.evaluate(ctx, call, task), nil
	case domain.TaskTeachHints:
		return o.hint(ctx, call, task), nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTask, task.Type)
	}
}

func (o *Orchestrator) narrate(ctx context.Context, call Call, task domain.LLMTask) Result {
	c := task.Narration
	if c == nil {
		o.logger.Warn("narration task without context", "session_id", call.SessionID, "step_index", task.StepIndex)
		return degradedNarration(task, narrationUnavailable)
	}

	req := llm.Request{Temperature: narrateTemperature, MaxTokens: narrateMaxTokens}
	if c.Simple {
		req.System = c.GMContext
		req.Messages = simpleMessages(c)
		req.MaxTokens = simpleMaxTokens
	} else {
		req.System = narrateSystemPrompt
		req.Messages = []llm.Message{{Role: llm.RoleUser, Content: narrationPrompt(c)}}
	}

	text, provider, elapsed, err := o.complete(ctx, call, task.Type, req)
	if err != nil {
		o.metrics.LLMTask(string(task.Type), provider, outcomeDegraded, elapsed)
		o.logger.Warn("narration degraded", "session_id", call.SessionID, "step_index", task.StepIndex, "error", err)
		return degradedNarration(task, narrationUnavailable)
	}
	o.metrics.LLMTask(string(task.Type), provider, outcomeOK, elapsed)
	return Result{
		Type: domain.EventGMNarrated,
		Payload: domain.GMNarratedData{
			StepIndex: task.StepIndex,
			Content:   text,
			TaskType:  task.Type,
		},
	}
}

func (o *Orchestrator) hint(ctx context.Context, call Call, task domain.LLMTask) Result {
	c := task.Hint
	if c == nil {
		o.logger.Warn("hint task without context", "session_id", call.SessionID, "step_index", task.StepIndex)
		return degradedNarration(task, hintUnavailable)
	}
	req := llm.Request{
		System:      hintSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: hintPrompt(c)}},
		Temperature: hintTemperature,
		MaxTokens:   hintMaxTokens,
	}
	text, provider, elapsed, err := o.complete(ctx, call, task.Type, req)
	if err != nil {
		o.metrics.LLMTask(string(task.Type), provider, outcomeDegraded, elapsed)
		o.logger.Warn("hint degraded", "session_id", call.SessionID, "step_index", task.StepIndex, "error", err)
		return degradedNarration(task, hintUnavailable)
	}
	o.metrics.LLMTask(string(task.Type), provider, outcomeOK, elapsed)
	return Result{
		Type: domain.EventGMNarrated,
		Payload: domain.GMNarratedData{
			StepIndex: task.StepIndex,
			Content:   text,
			TaskType:  task.Type,
		},
	}
}

func (o *Orchestrator) evaluate(ctx context.Context, call Call, task domain.LLMTask) Result {
	c := task.Evaluation
	if c == nil {
		return failedEvaluation(task, &EvaluationError{Reason: "no evaluation context"})
	}
	prompt, err := evaluationPrompt(c)
	if err != nil {
		return failedEvaluation(task, &EvaluationError{Reason: "bad rubric", Err: err})
	}
	req := llm.Request{
		System:      evaluateSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: evaluateTemperature,
		MaxTokens:   evaluateMaxTokens,
	}

	text, provider, elapsed, err := o.complete(ctx, call, task.Type, req)
	if err != nil {
		o.metrics.LLMTask(string(task.Type), provider, outcomeFailed, elapsed)
		o.logger.Warn("evaluation call failed", "session_id", call.SessionID, "step_index", task.StepIndex, "error", err)
		return failedEvaluation(task, &EvaluationError{Reason: "model call failed", Err: err})
	}
	eval, err := ParseEvaluation(text)
	if err != nil {
		o.metrics.LLMTask(string(task.Type), provider, outcomeFailed, elapsed)
		o.logger.Warn("evaluation unparseable", "session_id", call.SessionID, "step_index", task.StepIndex, "error", err)
		var evalErr *EvaluationError
		if !errors.As(err, &evalErr) {
			evalErr = &EvaluationError{Reason: "invalid response", Err: err}
		}
		return failedEvaluation(task, evalErr)
	}
	o.metrics.LLMTask(string(task.Type), provider, outcomeOK, elapsed)
	return Result{
		Type: domain.EventLEMEvaluated,
		Payload: domain.LEMEvaluatedData{
			StepIndex:      task.StepIndex,
			RawScore:       eval.RawScore,
			Rationale:      eval.Rationale,
			CriteriaScores: eval.CriteriaScores,
			Passed:         eval.Passed,
		},
	}
}

// complete resolves the provider and runs one bounded call inside a span,
// writing the exchange to the transcript whatever the outcome.
func (o *Orchestrator) complete(ctx context.Context, call Call, taskType domain.TaskType, req llm.Request) (string, string, time.Duration, error) {
	ctx, span := o.tracer.Start(ctx, "llm."+strings.ToLower(string(taskType)),
		trace.WithAttributes(
			attribute.String("session.id", call.SessionID),
			attribute.String("llm.task_type", string(taskType)),
		))
	defer span.End()

	start := time.Now()
	providerName := call.Provider
	provider, model, err := o.resolver.Resolve(call.Provider, call.Model)
	var resp llm.Response
	if err == nil {
		providerName = provider.Name()
		req.Model = model
		span.SetAttributes(attribute.String("llm.provider", providerName), attribute.String("llm.model", model))

		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		resp, err = provider.Complete(callCtx, req)
		cancel()
	}
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = llm.ErrEmptyResponse
	}
	elapsed := time.Since(start)

	entry := transcript.Entry{
		UserID:    call.UserID,
		SessionID: call.SessionID,
		TaskType:  string(taskType),
		Provider:  providerName,
		Model:     req.Model,
		System:    req.System,
		Prompt:    lastUserMessage(req.Messages),
		Response:  resp.Text,
		LatencyMS: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.transcript.Log(entry)

	if err != nil {
		return "", providerName, elapsed, err
	}
	return strings.TrimSpace(resp.Text), providerName, elapsed, nil
}

func lastUserMessage(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func degradedNarration(task domain.LLMTask, msg string) Result {
	return Result{
		Type: domain.EventGMNarrated,
		Payload: domain.GMNarratedData{
			StepIndex: task.StepIndex,
			Content:   msg,
			TaskType:  task.Type,
			Degraded:  true,
		},
	}
}

func failedEvaluation(task domain.LLMTask, err *EvaluationError) Result {
	return Result{
		Type: domain.EventLEMEvaluated,
		Payload: domain.LEMEvaluatedData{
			StepIndex: task.StepIndex,
			RawScore:  0,
			Rationale: fmt.Sprintf("Evaluation failed: %s. %s", err.Reason, evaluationRetry),
			Passed:    false,
			Failed:    true,
		},
	}
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/llm"
)

type fakeProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	reqs  []llm.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.reply, Model: req.Model, Provider: "fake"}, nil
}

func (f *fakeProvider) last(t *testing.T) llm.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("provider was never called")
	}
	return f.reqs[len(f.reqs)-1]
}

func newOrchestrator(p *fakeProvider) *Orchestrator {
	r := llm.NewRouter("fake", "fake-model")
	r.Register(p)
	return New(r, Config{Timeout: time.Second})
}

var call = Call{SessionID: "sess-1", UserID: "user-1"}

func evaluationTask() domain.LLMTask {
	return domain.LLMTask{
		Type:      domain.TaskLEMEvaluate,
		StepIndex: 1,
		Evaluation: &domain.EvaluationContext{
			StepTitle:       "Explain goroutines",
			StepInstruction: "In your own words",
			Answer:          "lightweight threads",
			Rubric:          domain.Rubric{"accuracy": {Weight: 10, Description: "correct"}},
			MaxScore:        10,
		},
	}
}

func TestEvaluateParsesNoisyResponse(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{reply: "Sure! Here you go:\n" +
		`{"raw_score": 8, "rationale": "Mostly right {roughly}", "criteria_scores": {"accuracy": 8}, "passed": true}` +
		"\nHope that helps."}
	o := newOrchestrator(p)

	res, err := o.Execute(context.Background(), call, evaluationTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Type != domain.EventLEMEvaluated {
		t.Fatalf("type = %s", res.Type)
	}
	data := res.Payload.(domain.LEMEvaluatedData)
	if data.RawScore != 8 || !data.Passed || data.Failed || data.CriteriaScores["accuracy"] != 8 {
		t.Errorf("payload = %+v", data)
	}
	if data.Rationale != "Mostly right {roughly}" {
		t.Errorf("rationale = %q", data.Rationale)
	}

	req := p.last(t)
	if req.Temperature != evaluateTemperature || req.MaxTokens != evaluateMaxTokens || req.Model != "fake-model" {
		t.Errorf("request sampling = %v/%d/%s", req.Temperature, req.MaxTokens, req.Model)
	}
	if !strings.Contains(req.Messages[0].Content, "lightweight threads") {
		t.Errorf("prompt missing answer: %q", req.Messages[0].Content)
	}
}

func TestEvaluateParseFailureYieldsZeroScore(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"no json":        "I think this deserves an 8.",
		"unterminated":   `{"raw_score": 8, "rationale": "ok"`,
		"missing fields": `{"raw_score": 8}`,
		"wrong types":    `{"raw_score": "eight", "rationale": "ok", "criteria_scores": {}, "passed": true}`,
		"no criteria":    `{"raw_score": 8, "rationale": "ok", "passed": true}`,
		"null criteria":  `{"raw_score": 8, "rationale": "ok", "criteria_scores": null, "passed": true}`,
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			o := newOrchestrator(&fakeProvider{reply: reply})
			res, err := o.Execute(context.Background(), call, evaluationTask())
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			data := res.Payload.(domain.LEMEvaluatedData)
			if res.Type != domain.EventLEMEvaluated || data.RawScore != 0 || data.Passed || !data.Failed {
				t.Errorf("payload = %+v", data)
			}
			if !strings.Contains(strings.ToLower(data.Rationale), "failed") {
				t.Errorf("rationale %q lacks failure marker", data.Rationale)
			}
			if data.StepIndex != 1 {
				t.Errorf("step index = %d", data.StepIndex)
			}
		})
	}
}

func TestEvaluateProviderErrorYieldsZeroScore(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(&fakeProvider{err: errors.New("rate limited")})
	res, _ := o.Execute(context.Background(), call, evaluationTask())
	data := res.Payload.(domain.LEMEvaluatedData)
	if !data.Failed || data.RawScore != 0 {
		t.Errorf("payload = %+v", data)
	}
}

func TestNarrateUsesBoundedPrompt(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{reply: "  Welcome to step two.  "}
	o := newOrchestrator(p)
	res, err := o.Execute(context.Background(), call, domain.LLMTask{
		Type:      domain.TaskGMNarrate,
		StepIndex: 1,
		Narration: &domain.NarrationContext{StepTitle: "Channels", StepIndex: 1, TotalSteps: 3, MaxScore: 30},
	})
	if err != nil {
		t.Fatal(err)
	}
	data := res.Payload.(domain.GMNarratedData)
	if data.Content != "Welcome to step two." || data.Degraded || data.TaskType != domain.TaskGMNarrate {
		t.Errorf("payload = %+v", data)
	}
	req := p.last(t)
	if req.System != narrateSystemPrompt || req.Temperature != narrateTemperature || req.MaxTokens != narrateMaxTokens {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Messages[0].Content, "Step 2 of 3: Channels") {
		t.Errorf("prompt = %q", req.Messages[0].Content)
	}
}

func TestNarrateSimpleSendsTranscript(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{reply: "Great start!\n<metadata>{\"isComplete\": false}</metadata>"}
	o := newOrchestrator(p)
	res, _ := o.Execute(context.Background(), call, domain.LLMTask{
		Type: domain.TaskGMNarrate,
		Narration: &domain.NarrationContext{
			Simple:    true,
			GMContext: "You are a tutor.",
			Answer:    "my answer",
			History: []domain.HistoryMessage{
				{Role: domain.RoleGM, Content: "Question one?"},
				{Role: domain.RoleUser, Content: "my answer"},
			},
		},
	})
	data := res.Payload.(domain.GMNarratedData)
	if !strings.Contains(data.Content, "<metadata>") {
		t.Errorf("metadata block must be passed through for the engine: %q", data.Content)
	}
	req := p.last(t)
	if req.System != "You are a tutor." || req.MaxTokens != simpleMaxTokens {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleAssistant || req.Messages[1].Content != "my answer" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestNarrationAndHintDegradeOnFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    *fakeProvider
		task domain.LLMTask
		want string
	}{
		{
			name: "narration error",
			p:    &fakeProvider{err: errors.New("boom")},
			task: domain.LLMTask{Type: domain.TaskGMNarrate, Narration: &domain.NarrationContext{}},
			want: narrationUnavailable,
		},
		{
			name: "narration timeout",
			p:    &fakeProvider{reply: "late", delay: 5 * time.Second},
			task: domain.LLMTask{Type: domain.TaskGMNarrate, Narration: &domain.NarrationContext{}},
			want: narrationUnavailable,
		},
		{
			name: "empty hint",
			p:    &fakeProvider{reply: "   "},
			task: domain.LLMTask{Type: domain.TaskTeachHints, Hint: &domain.HintContext{}},
			want: hintUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := newOrchestrator(tt.p).Execute(context.Background(), call, tt.task)
			if err != nil {
				t.Fatal(err)
			}
			data := res.Payload.(domain.GMNarratedData)
			if res.Type != domain.EventGMNarrated || !data.Degraded || data.Content != tt.want {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestHintSampling(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{reply: "What does the first clue tell you?"}
	res, _ := newOrchestrator(p).Execute(context.Background(), call, domain.LLMTask{
		Type: domain.TaskTeachHints,
		Hint: &domain.HintContext{StepTitle: "Maps", HintsUsed: 2},
	})
	if data := res.Payload.(domain.GMNarratedData); data.TaskType != domain.TaskTeachHints || data.Degraded {
		t.Errorf("payload = %+v", data)
	}
	req := p.last(t)
	if req.Temperature != hintTemperature || req.MaxTokens != hintMaxTokens {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Messages[0].Content, "Hints already given: 2") {
		t.Errorf("prompt = %q", req.Messages[0].Content)
	}
}

func TestUnknownProviderDegrades(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(&fakeProvider{reply: "x"})
	res, err := o.Execute(context.Background(), Call{SessionID: "s", Provider: "missing"}, evaluationTask())
	if err != nil {
		t.Fatal(err)
	}
	if data := res.Payload.(domain.LEMEvaluatedData); !data.Failed {
		t.Errorf("payload = %+v", data)
	}
}

func TestUnknownTaskType(t *testing.T) {
	t.Parallel()
	_, err := newOrchestrator(&fakeProvider{}).Execute(context.Background(), call, domain.LLMTask{Type: "DANCE"})
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{`{"a":1}`, `{"a":1}`, nil},
		{`prefix {"a":{"b":2}} suffix {"c":3}`, `{"a":{"b":2}}`, nil},
		{`{"s":"}{\"}"}`, `{"s":"}{\"}"}`, nil},
		{`nothing here`, "", errNoJSONObject},
		{`{"a":{"b":1}`, "", errUnmatchedBraces},
	}
	for _, tt := range tests {
		got, err := extractJSON(tt.in)
		if !errors.Is(err, tt.wantErr) || got != tt.want {
			t.Errorf("extractJSON(%q) = %q, %v; want %q, %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestParseEvaluationErrorType(t *testing.T) {
	t.Parallel()
	_, err := ParseEvaluation(`{"rationale": "x"}`)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("err = %T, want *EvaluationError", err)
	}
	for _, field := range []string{"raw_score", "criteria_scores", "passed"} {
		if !strings.Contains(evalErr.Reason, field) {
			t.Errorf("reason %q does not name %s", evalErr.Reason, field)
		}
	}
}

func TestParseEvaluationAcceptsEmptyCriteria(t *testing.T) {
	t.Parallel()
	ev, err := ParseEvaluation(`{"raw_score": 3, "rationale": "thin", "criteria_scores": {}, "passed": false}`)
	if err != nil {
		t.Fatalf("ParseEvaluation: %v", err)
	}
	if ev.RawScore != 3 || ev.Passed || len(ev.CriteriaScores) != 0 {
		t.Errorf("evaluation = %+v", ev)
	}
}

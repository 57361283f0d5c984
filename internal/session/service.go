// Package session drives one learner request end to end: hydrate, apply the
// learner's event, run the model tasks it asks for, and commit atomically.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/engine"
	"github.com/ashureev/questline/internal/metrics"
	"github.com/ashureev/questline/internal/orchestrator"
	"github.com/ashureev/questline/internal/replay"
	"github.com/ashureev/questline/internal/store"
)

var (
	// ErrSessionNotActive is returned for an action the session's status does not allow.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrAlreadyStarted is returned when starting a session twice.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrInvalidAction is returned for an action that does not fit the current step.
	ErrInvalidAction = errors.New("invalid action for current step")
	// ErrForbidden is returned when a user touches another user's session.
	ErrForbidden = errors.New("session belongs to another user")
	// ErrSessionNotIdle is returned by AbandonIdle for a session with recent activity.
	ErrSessionNotIdle = errors.New("session is not idle")
)

// DefaultMaxTasksPerRequest caps model calls made while serving one request.
const DefaultMaxTasksPerRequest = 4

// Challenges looks up challenge definitions.
type Challenges interface {
	Get(id string) (*domain.Challenge, error)
}

// Executor runs one model task and returns the event it produced.
type Executor interface {
	Execute(ctx context.Context, call orchestrator.Call, task domain.LLMTask) (orchestrator.Result, error)
}

// Update is pushed to live subscribers after every commit.
type Update struct {
	SessionID string             `json:"session_id"`
	Seq       int64              `json:"sequence_number"`
	Events    []domain.EventType `json:"events"`
	UI        engine.UIResponse  `json:"ui"`
}

// FirstSeq is the sequence number of the first event the update covers.
func (u Update) FirstSeq() int64 {
	return u.Seq - int64(len(u.Events)) + 1
}

// Publisher fans updates out to subscribers.
type Publisher interface {
	Publish(u Update)
}

// Config holds the service's tunables and optional collaborators.
type Config struct {
	MaxTasksPerRequest int
	Now                func() time.Time
	Metrics            *metrics.Metrics
	Publisher          Publisher
	Logger             *slog.Logger
}

// View is what every operation returns: the state after the commit and what
// to render.
type View struct {
	SessionID string              `json:"session_id"`
	Seq       int64               `json:"sequence_number"`
	State     domain.SessionState `json:"state"`
	UI        engine.UIResponse   `json:"ui"`
}

// Service is the request-per-session driver. It holds no per-session state;
// two requests for the same session race on the store's compare-and-append.
type Service struct {
	repo       store.Repository
	challenges Challenges
	llm        Executor
	maxTasks   int
	now        func() time.Time
	metrics    *metrics.Metrics
	publisher  Publisher
	logger     *slog.Logger
}

// NewService wires the driver.
func NewService(repo store.Repository, challenges Challenges, llm Executor, cfg Config) *Service {
	if cfg.MaxTasksPerRequest <= 0 {
		cfg.MaxTasksPerRequest = DefaultMaxTasksPerRequest
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		challenges: challenges,
		llm:        llm,
		maxTasks:   cfg.MaxTasksPerRequest,
		now:        cfg.Now,
		metrics:    cfg.Metrics,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
	}
}

// Create opens a new session for challengeID and commits SESSION_CREATED at seq 0.
func (s *Service) Create(ctx context.Context, challengeID, userID string) (View, error) {
	ch, err := s.challenges.Get(challengeID)
	if err != nil {
		return View{}, err
	}
	eng, err := engine.New(ch)
	if err != nil {
		return View{}, fmt.Errorf("challenge %q: %w", challengeID, err)
	}

	sessionID := uuid.NewString()
	now := s.now().UTC()
	evt, err := domain.NewEvent(sessionID, 0, domain.EventSessionCreated, now, domain.SessionCreatedData{
		ChallengeID: challengeID,
		UserID:      userID,
	})
	if err != nil {
		return View{}, err
	}

	lc := &loaded{
		session: &domain.Session{SessionID: sessionID, ChallengeID: challengeID, UserID: userID, CreatedAt: now},
		engine:  eng,
		current: replay.Hydrated{State: eng.InitialState(sessionID, userID), LastSeq: -1},
	}
	return s.commit(ctx, lc, evt)
}

// Start moves a created session onto its first step.
func (s *Service) Start(ctx context.Context, sessionID, userID string) (View, error) {
	return s.act(ctx, sessionID, userID, func(lc *loaded) (domain.EventType, any, error) {
		if lc.current.State.Status != domain.StatusCreated {
			return "", nil, ErrAlreadyStarted
		}
		return domain.EventSessionStarted, domain.SessionStartedData{FirstStepIndex: 0}, nil
	})
}

// Submit records the learner's answer for the current step.
func (s *Service) Submit(ctx context.Context, sessionID, userID string, answer json.RawMessage) (View, error) {
	return s.act(ctx, sessionID, userID, func(lc *loaded) (domain.EventType, any, error) {
		if err := requireActive(lc); err != nil {
			return "", nil, err
		}
		if len(answer) == 0 {
			return "", nil, fmt.Errorf("%w: answer is required", ErrInvalidAction)
		}
		return domain.EventUserSubmittedAnswer, domain.AnswerData{
			StepIndex: lc.current.State.CurrentStepIndex,
			Answer:    answer,
		}, nil
	})
}

// Continue passes a CONTINUE_GATE step.
func (s *Service) Continue(ctx context.Context, sessionID, userID string) (View, error) {
	return s.act(ctx, sessionID, userID, func(lc *loaded) (domain.EventType, any, error) {
		if err := requireActive(lc); err != nil {
			return "", nil, err
		}
		step, err := lc.engine.Step(lc.current.State.CurrentStepIndex)
		if err != nil {
			return "", nil, err
		}
		if step.Type != domain.StepContinueGate {
			return "", nil, fmt.Errorf("%w: step %d is %s, not a gate", ErrInvalidAction, step.Index, step.Type)
		}
		return domain.EventUserContinued, domain.ContinueData{StepIndex: step.Index}, nil
	})
}

// RequestHint asks for a hint on the current step.
func (s *Service) RequestHint(ctx context.Context, sessionID, userID string) (View, error) {
	return s.act(ctx, sessionID, userID, func(lc *loaded) (domain.EventType, any, error) {
		if err := requireActive(lc); err != nil {
			return "", nil, err
		}
		return domain.EventUserRequestedHint, domain.HintRequestData{StepIndex: lc.current.State.CurrentStepIndex}, nil
	})
}

// Abandon ends a session that has not finished. An empty userID skips the
// ownership check for internal callers.
func (s *Service) Abandon(ctx context.Context, sessionID, userID, reason string) (View, error) {
	return s.act(ctx, sessionID, userID, func(lc *loaded) (domain.EventType, any, error) {
		switch lc.current.State.Status {
		case domain.StatusCreated, domain.StatusActive:
		default:
			return "", nil, fmt.Errorf("%w: status is %s", ErrSessionNotActive, lc.current.State.Status)
		}
		return domain.EventSessionAbandoned, domain.SessionAbandonedData{Reason: reason}, nil
	})
}

// AbandonIdle ends a session whose last event is not after cutoff. The check
// runs on the hydrated log, so a learner commit that lands after it fails
// the append with store.ErrSequenceConflict instead of being overridden.
func (s *Service) AbandonIdle(ctx context.Context, sessionID string, cutoff time.Time, reason string) (View, error) {
	return s.act(ctx, sessionID, "", func(lc *loaded) (domain.EventType, any, error) {
		switch lc.current.State.Status {
		case domain.StatusCreated, domain.StatusActive:
		default:
			return "", nil, fmt.Errorf("%w: status is %s", ErrSessionNotActive, lc.current.State.Status)
		}
		last, err := s.repo.EventsSince(ctx, sessionID, lc.current.LastSeq-1)
		if err != nil {
			return "", nil, fmt.Errorf("load last event: %w", err)
		}
		if len(last) > 0 && last[len(last)-1].Timestamp.After(cutoff) {
			return "", nil, fmt.Errorf("%w: last event at %s", ErrSessionNotIdle,
				last[len(last)-1].Timestamp.Format(time.RFC3339))
		}
		return domain.EventSessionAbandoned, domain.SessionAbandonedData{Reason: reason}, nil
	})
}

// State hydrates the session without changing it.
func (s *Service) State(ctx context.Context, sessionID, userID string) (View, error) {
	lc, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return View{}, err
	}
	return View{
		SessionID: sessionID,
		Seq:       lc.current.LastSeq,
		State:     lc.current.State,
		UI:        lc.engine.UI(lc.current.State),
	}, nil
}

// Events returns the session's full log.
func (s *Service) Events(ctx context.Context, sessionID, userID string) ([]domain.Event, error) {
	sess, err := s.session(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.EventsSince(ctx, sess.SessionID, -1)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

// List returns a user's sessions, most recent first.
func (s *Service) List(ctx context.Context, userID string) ([]*domain.Session, error) {
	sessions, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// loaded is a hydrated session ready for one more event.
type loaded struct {
	session *domain.Session
	engine  *engine.Engine
	current replay.Hydrated
}

func requireActive(lc *loaded) error {
	if lc.current.State.Status != domain.StatusActive {
		return fmt.Errorf("%w: status is %s", ErrSessionNotActive, lc.current.State.Status)
	}
	return nil
}

func (s *Service) session(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *Service) load(ctx context.Context, sessionID, userID string) (*loaded, error) {
	sess, err := s.session(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	ch, err := s.challenges.Get(sess.ChallengeID)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ch)
	if err != nil {
		return nil, fmt.Errorf("challenge %q: %w", sess.ChallengeID, err)
	}
	h, err := replay.Hydrate(ctx, s.repo, eng, sessionID, sess.UserID)
	if err != nil {
		return nil, err
	}
	return &loaded{session: sess, engine: eng, current: h}, nil
}

// act hydrates, lets decide pick the learner event, and commits it.
func (s *Service) act(ctx context.Context, sessionID, userID string, decide func(*loaded) (domain.EventType, any, error)) (View, error) {
	lc, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return View{}, err
	}
	typ, payload, err := decide(lc)
	if err != nil {
		return View{}, err
	}
	evt, err := domain.NewEvent(sessionID, lc.current.LastSeq+1, typ, s.now(), payload)
	if err != nil {
		return View{}, err
	}
	return s.commit(ctx, lc, evt)
}

// commit runs the event and its tasks, then appends everything in one batch.
func (s *Service) commit(ctx context.Context, lc *loaded, evt domain.Event) (View, error) {
	c, err := s.drive(ctx, lc, evt)
	if err != nil {
		return View{}, err
	}

	state := c.current.State
	sess := *lc.session
	sess.Status = state.Status
	sess.CurrentStepIndex = state.CurrentStepIndex
	sess.TotalScore = state.TotalScore
	sess.UpdatedAt = s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}

	err = s.repo.Append(ctx, store.Batch{
		SessionID: sess.SessionID,
		Events:    c.events,
		Snapshots: c.snapshots,
		Session:   &sess,
	})
	if err != nil {
		if errors.Is(err, store.ErrSequenceConflict) {
			s.metrics.AppendConflict()
		}
		return View{}, fmt.Errorf("commit session %s: %w", sess.SessionID, err)
	}

	types := make([]domain.EventType, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
		s.metrics.EventApplied(string(e.Type))
	}
	s.metrics.SnapshotsWritten(len(c.snapshots))
	s.logger.Info("session events committed",
		"session_id", sess.SessionID,
		"first_seq", c.events[0].Seq,
		"last_seq", c.current.LastSeq,
		"status", state.Status,
		"tasks_run", c.tasksRun,
		"tasks_dropped", c.tasksDropped,
	)

	view := View{
		SessionID: sess.SessionID,
		Seq:       c.current.LastSeq,
		State:     state,
		UI:        lc.engine.UI(state),
	}
	if s.publisher != nil {
		s.publisher.Publish(Update{SessionID: sess.SessionID, Seq: view.Seq, Events: types, UI: view.UI})
	}
	return view, nil
}

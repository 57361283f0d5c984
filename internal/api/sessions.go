package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/identity"
	"github.com/ashureev/questline/internal/metrics"
	"github.com/ashureev/questline/internal/session"
)

const defaultAbandonReason = "abandoned by learner"

// Sessions is the session driver as the HTTP layer sees it.
type Sessions interface {
	Create(ctx context.Context, challengeID, userID string) (session.View, error)
	Start(ctx context.Context, sessionID, userID string) (session.View, error)
	Submit(ctx context.Context, sessionID, userID string, answer json.RawMessage) (session.View, error)
	Continue(ctx context.Context, sessionID, userID string) (session.View, error)
	RequestHint(ctx context.Context, sessionID, userID string) (session.View, error)
	Abandon(ctx context.Context, sessionID, userID, reason string) (session.View, error)
	State(ctx context.Context, sessionID, userID string) (session.View, error)
	Events(ctx context.Context, sessionID, userID string) ([]domain.Event, error)
	List(ctx context.Context, userID string) ([]*domain.Session, error)
}

// Challenges lists and looks up challenge definitions.
type Challenges interface {
	Get(id string) (*domain.Challenge, error)
	List() []*domain.Challenge
}

// Pinger checks storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP layer's settings.
type Config struct {
	AllowedOrigin string
	IsDev         bool
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Handler serves challenge and session routes.
type Handler struct {
	sessions      Sessions
	challenges    Challenges
	hub           *Hub
	hints         *HintLimiter
	allowedOrigin string
	isDev         bool
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewHandler creates the session handler. hints may be nil.
func NewHandler(sessions Sessions, challenges Challenges, hub *Hub, hints *HintLimiter, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		sessions:      sessions,
		challenges:    challenges,
		hub:           hub,
		hints:         hints,
		allowedOrigin: cfg.AllowedOrigin,
		isDev:         cfg.IsDev,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// RegisterRoutes registers challenge and session routes under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/challenges", h.ListChallenges)
		r.Get("/challenges/{id}", h.GetChallenge)

		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/events", h.ListEvents)
			r.Get("/stream", h.Stream)
			r.Post("/start", h.Start)
			r.Post("/answer", h.Submit)
			r.Post("/continue", h.Continue)
			r.Post("/hint", h.Hint)
			r.Post("/abandon", h.Abandon)
		})
	})
}

type stepSummary struct {
	Index  int             `json:"step_index"`
	Type   domain.StepType `json:"step_type"`
	Title  string          `json:"title"`
	Points int             `json:"points_possible"`
}

type challengeSummary struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Difficulty       string                `json:"difficulty"`
	Tags             []string              `json:"tags,omitempty"`
	XPReward         int                   `json:"xp_reward"`
	PassingScore     int                   `json:"passing_score"`
	EstimatedMinutes int                   `json:"estimated_time_minutes"`
	HelpResources    []domain.HelpResource `json:"help_resources,omitempty"`
	TotalSteps       int                   `json:"total_steps"`
	Steps            []stepSummary         `json:"steps,omitempty"`
}

// summarize hides answers and model context from learners.
func summarize(ch *domain.Challenge, withSteps bool) challengeSummary {
	s := challengeSummary{
		ID:               ch.ID,
		Title:            ch.Title,
		Description:      ch.Description,
		Difficulty:       ch.Difficulty,
		Tags:             ch.Tags,
		XPReward:         ch.XPReward,
		PassingScore:     ch.PassingScore,
		EstimatedMinutes: ch.EstimatedMinutes,
		HelpResources:    ch.HelpResources,
		TotalSteps:       len(ch.Steps),
	}
	if withSteps {
		for _, st := range ch.Steps {
			s.Steps = append(s.Steps, stepSummary{Index: st.Index, Type: st.Type, Title: st.Title, Points: st.PointsPossible})
		}
	}
	return s
}

// ListChallenges returns every challenge in the catalog.
func (h *Handler) ListChallenges(w http.ResponseWriter, _ *http.Request) {
	all := h.challenges.List()
	out := make([]challengeSummary, 0, len(all))
	for _, ch := range all {
		out = append(out, summarize(ch, false))
	}
	JSON(w, http.StatusOK, out)
}

// GetChallenge returns one challenge with its step outline.
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := h.challenges.Get(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, h.logger, r, err)
		return
	}
	JSON(w, http.StatusOK, summarize(ch, true))
}

type createRequest struct {
	ChallengeID string `json:"challenge_id"`
}

// CreateSession opens a session for the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChallengeID == "" {
		Error(w, http.StatusBadRequest, "challenge_id is required")
		return
	}
	view, err := h.sessions.Create(r.Context(), req.ChallengeID, identity.UserIDFromContext(r.Context()))
	if err != nil {
		fail(w, h.logger, r, err)
		return
	}
	JSON(w, http.StatusCreated, view)
}

// ListSessions returns the caller's sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		fail(w, h.logger, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// GetSession returns the hydrated state and UI for one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.sessions.State(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context())))
}

// ListEvents returns the session's full event log.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.sessions.Events(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()))
	if err != nil {
		fail(w, h.logger, r, err)
		return
	}
	JSON(w, http.StatusOK, events)
}

// Start moves the session onto its first step.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.sessions.Start(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context())))
}

type answerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

// Submit records an answer for the current step.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.respond(w, r)(h.sessions.Submit(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()), req.Answer))
}

// Continue passes a gate step.
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.sessions.Continue(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context())))
}

// Hint asks the model for a hint, subject to the per-user rate limit.
func (h *Handler) Hint(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.hints.Allow(userID) {
		h.metrics.HintThrottled()
		w.Header().Set("Retry-After", "60")
		Error(w, http.StatusTooManyRequests, "too many hint requests, try again shortly")
		return
	}
	h.respond(w, r)(h.sessions.RequestHint(r.Context(), chi.URLParam(r, "id"), userID))
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

// Abandon ends the session early.
func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req abandonRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = defaultAbandonReason
	}
	h.respond(w, r)(h.sessions.Abandon(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()), req.Reason))
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(session.View, error) {
	return func(view session.View, err error) {
		if err != nil {
			fail(w, h.logger, r, err)
			return
		}
		JSON(w, http.StatusOK, view)
	}
}

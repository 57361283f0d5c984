// Package sweeper abandons sessions that have gone idle.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/metrics"
	"github.com/ashureev/questline/internal/session"
	"github.com/ashureev/questline/internal/store"
)

// IdleReason is recorded on SESSION_ABANDONED events the sweeper appends.
const IdleReason = "idle timeout"

// conflictRetries bounds re-hydrate-and-retry when a learner commits while
// the sweeper is abandoning the same session.
const conflictRetries = 2

// Lister finds idle sessions.
type Lister interface {
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
}

// Abandoner ends one session if it is still idle at cutoff.
type Abandoner interface {
	AbandonIdle(ctx context.Context, sessionID string, cutoff time.Time, reason string) (session.View, error)
}

// Config controls the sweep.
type Config struct {
	TTL      time.Duration
	Interval time.Duration
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Sweeper periodically abandons active sessions idle longer than TTL.
type Sweeper struct {
	lister    Lister
	abandoner Abandoner
	cfg       Config
}

// New creates a sweeper.
func New(lister Lister, abandoner Abandoner, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{lister: lister, abandoner: abandoner, cfg: cfg}
}

// Run sweeps every Interval until ctx is done. It returns nil on shutdown.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.TTL <= 0 {
		s.cfg.Logger.Info("session sweeper disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.cfg.Logger.Info("session sweeper started", "interval", s.cfg.Interval, "ttl", s.cfg.TTL)

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.cfg.Logger.Error("session sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.cfg.Logger.Info("session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// SweepOnce abandons every session idle past the TTL and returns how many it ended.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.TTL)
	idle, err := s.lister.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(idle) == 0 {
		return 0, nil
	}
	s.cfg.Logger.Info("idle sessions found", "count", len(idle))

	swept := 0
	for _, sess := range idle {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		ok, err := s.abandon(ctx, sess, cutoff)
		if err != nil {
			s.cfg.Logger.Warn("failed to abandon idle session", "session_id", sess.SessionID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		swept++
		s.cfg.Metrics.SessionSwept()
	}
	s.cfg.Logger.Info("session sweep completed", "abandoned", swept)
	return swept, nil
}

func (s *Sweeper) abandon(ctx context.Context, sess *domain.Session, cutoff time.Time) (bool, error) {
	var err error
	for range conflictRetries + 1 {
		_, err = s.abandoner.AbandonIdle(ctx, sess.SessionID, cutoff, IdleReason)
		if !errors.Is(err, store.ErrSequenceConflict) {
			break
		}
		s.cfg.Logger.Debug("sweeper lost append race, retrying", "session_id", sess.SessionID)
	}
	if errors.Is(err, session.ErrSessionNotActive) || errors.Is(err, session.ErrSessionNotIdle) {
		// Finished or resumed between listing and abandoning.
		return false, nil
	}
	return err == nil, err
}

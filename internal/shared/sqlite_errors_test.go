package shared

import (
	"context"
	"errors"
	"testing"
)

func TestRetryOnConflict(t *testing.T) {
	RetryBaseDelay = 0

	busy := errors.New("sqlite: step: SQLITE_BUSY")
	calls := 0
	err := RetryOnConflict(context.Background(), "test", 3, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}

	calls = 0
	err = RetryOnConflict(context.Background(), "test", 2, func() error {
		calls++
		return busy
	})
	if !errors.Is(err, busy) || calls != 2 {
		t.Errorf("exhausted: err = %v after %d calls", err, calls)
	}

	other := errors.New("no such table: events")
	calls = 0
	err = RetryOnConflict(context.Background(), "test", 5, func() error {
		calls++
		return other
	})
	if !errors.Is(err, other) || calls != 1 {
		t.Errorf("non-conflict: err = %v after %d calls", err, calls)
	}
}

func TestClassifiers(t *testing.T) {
	t.Parallel()
	if !IsSQLiteConflictError(errors.New("database is locked (5)")) {
		t.Error("locked should be a conflict")
	}
	if !IsSQLiteConstraintError(errors.New("UNIQUE constraint failed: events.session_id, events.sequence_number")) {
		t.Error("unique violation should be a constraint error")
	}
	if IsSQLiteConflictError(nil) || IsSQLiteConstraintError(nil) {
		t.Error("nil is neither")
	}
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/questline/internal/engine"
	"github.com/ashureev/questline/internal/replay"
)

// ErrReplayMismatch means snapshot hydration and a full replay disagree.
var ErrReplayMismatch = errors.New("snapshot and full replay disagree")

type replayFlags struct {
	fromZero bool
	verify   bool
}

func newReplayCmd(opts *Options) *cobra.Command {
	flags := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Rebuild a session's state from its event log",
		Long: `Rebuild a session's state and print it as JSON.

By default the latest snapshot is loaded and later events are folded on top,
exactly as the server does. --from-zero ignores snapshots. --verify does both,
checks every stored snapshot against the log, and fails on any difference.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, flags, args[0])
		},
	}
	cmd.Flags().BoolVar(&flags.fromZero, "from-zero", false, "Ignore snapshots and fold the whole log")
	cmd.Flags().BoolVar(&flags.verify, "verify", false, "Compare snapshot hydration against a full replay")
	return cmd
}

func runReplay(cmd *cobra.Command, opts *Options, flags *replayFlags, sessionID string) error {
	ctx := cmd.Context()
	repo, err := opts.openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	cat, err := opts.catalog()
	if err != nil {
		return err
	}
	sess, err := repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	ch, err := cat.Get(sess.ChallengeID)
	if err != nil {
		return err
	}
	eng, err := engine.New(ch)
	if err != nil {
		return err
	}

	var h replay.Hydrated
	if flags.fromZero {
		h, err = replay.FromZero(ctx, repo, eng, sessionID, sess.UserID)
	} else {
		h, err = replay.Hydrate(ctx, repo, eng, sessionID, sess.UserID)
	}
	if err != nil {
		return err
	}

	if flags.verify {
		full, err := replay.FromZero(ctx, repo, eng, sessionID, sess.UserID)
		if err != nil {
			return err
		}
		a, err := json.Marshal(h.State)
		if err != nil {
			return err
		}
		b, err := json.Marshal(full.State)
		if err != nil {
			return err
		}
		if h.LastSeq != full.LastSeq || !bytes.Equal(a, b) {
			return fmt.Errorf("%w at seq %d/%d", ErrReplayMismatch, h.LastSeq, full.LastSeq)
		}
		if _, err := replay.VerifySnapshots(ctx, repo, eng, sessionID, sess.UserID); err != nil {
			return fmt.Errorf("%w: %w", ErrReplayMismatch, err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"session_id":      sessionID,
		"sequence_number": h.LastSeq,
		"state":           h.State,
	})
}

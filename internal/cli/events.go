package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCmd(opts *Options) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Print a session's events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			events, err := repo.EventsSince(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events for session %s after %d", args[0], after)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", -1, "Only events with a higher sequence number")
	return cmd
}

// Package cli implements questctl, the operator tool for inspecting session
// logs and checking challenge files offline.
package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/ashureev/questline/internal/catalog"
	"github.com/ashureev/questline/internal/store"
)

// Options are the flags shared by every subcommand.
type Options struct {
	DBPath        string
	ChallengesDir string
}

// NewRootCmd creates the questctl command tree writing to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	opts := &Options{}
	cmd := &cobra.Command{
		Use:   "questctl",
		Short: "Inspect questline sessions and challenge files",
		Long: `questctl reads the session database and challenge definitions directly.

Available subcommands:
  replay      Rebuild a session's state from its event log
  events      Print a session's events as JSON lines
  validate    Check challenge YAML files

Examples:
  questctl replay 6f1c... --verify
  questctl events 6f1c... --db ./data/questline.db
  questctl validate challenges/*.yaml`,
		SilenceUsage: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "./data/questline.db", "Path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.ChallengesDir, "challenges", "", "Challenge directory (default: embedded catalog)")

	cmd.AddCommand(newReplayCmd(opts))
	cmd.AddCommand(newEventsCmd(opts))
	cmd.AddCommand(newValidateCmd())
	return cmd
}

func (o *Options) openStore() (*store.SQLiteStore, error) {
	return store.NewSQLite(o.DBPath)
}

func (o *Options) catalog() (*catalog.Catalog, error) {
	if o.ChallengesDir == "" {
		return catalog.Default()
	}
	return catalog.LoadDir(o.ChallengesDir)
}

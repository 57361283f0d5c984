package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/questline/internal/catalog"
	"github.com/ashureev/questline/internal/domain"
)

// ErrInvalidChallenges is returned when any file fails validation.
var ErrInvalidChallenges = errors.New("invalid challenge files")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>...",
		Short: "Check challenge YAML files",
		Long: `Parse and validate challenge files the way the server loads them:
unknown keys, step indices, answer ranges, variables and progress tracking.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				ch, err := parseFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL  %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok    %s (%s, %d steps)\n", path, ch.ID, len(ch.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", ErrInvalidChallenges, failed, len(args))
			}
			return nil
		},
	}
}

func parseFile(path string) (*domain.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return catalog.Parse(data)
}

// questctl - offline inspection of questline sessions and challenges
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/ashureev/questline/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := cli.NewRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

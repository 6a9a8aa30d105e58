package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"papertrail/internal/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode separates partially failed runs (2) and configuration errors (3) from other failures.
func exitCode(err error) int {
	var partial *domain.PartialRunError
	switch {
	case errors.As(err, &partial):
		return 2
	case domain.IsConfiguration(err):
		return 3
	default:
		return 1
	}
}

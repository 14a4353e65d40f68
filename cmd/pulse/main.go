package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	initHelp(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		outputError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccheshirecat/vmdeck/internal/cli/standard"
	"github.com/ccheshirecat/vmdeck/internal/cli/tui"
	"github.com/ccheshirecat/vmdeck/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if len(os.Args) == 1 {
		cfg, err := config.Load("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		if err := tui.Run(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := standard.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "command error: %v\n", err)
		os.Exit(1)
	}
}

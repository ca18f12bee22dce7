package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canopy-network/dappscope/app/aggregator"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := aggregator.Initialize(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "unable to initialize aggregator: %v\n", err)
		os.Exit(1)
	}

	app.SetupServer()
	app.Start(ctx)
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/pnlticks/app/pnlticks"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := pnlticks.Initialize(ctx)

	app.Start(ctx)
}

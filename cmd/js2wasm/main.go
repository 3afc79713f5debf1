package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/js2wasm/pipeline"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.0.0-dev"

func main() {
	mode := pipeline.ModeFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Execute(ctx, mode)
	stop()
	os.Exit(code)
}

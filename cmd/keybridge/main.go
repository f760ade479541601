// Command keybridge runs an OAuth 2.1 authorization server that turns a
// user-supplied API key into short-lived bearer tokens and forwards
// authenticated requests to an upstream API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// Package main provides the taskchat CLI, a terminal client for per-task
// chat rooms.
//
// # Basic Usage
//
// Follow a task's chat, sending lines typed on stdin:
//
//	taskchat tail 42
//
// Page through history or inspect a room without opening a session:
//
//	taskchat history 42 --limit 20
//	taskchat participants 42
//	taskchat stats 42
//	taskchat send 42 "on my way"
//
// # Environment Variables
//
//   - TASKCHAT_BASE_URL: REST base URL of the task server
//   - TASKCHAT_WS_URL: websocket endpoint (derived from the base URL when unset)
//   - TASKCHAT_TOKEN: bearer token (prompted for when absent)
//   - TASKCHAT_LOG_LEVEL: debug, info, warn or error
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// nodewatch is the command-line client: it refreshes the node history,
// queries it and opens an interactive shell.
//
//	nodewatch [--config FILE] [--output table|json|yaml] <command> [args]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nodewatch: %v\n", err)
		os.Exit(1)
	}
}

// Command rocksctl talks to a Rocks Monitor server from the shell. It is
// also a minimal agent: status and config documents can be pushed from a
// file or stdin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdin).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error()+fieldErrors(err))
		stop()
		os.Exit(1)
	}
}

// bufdump writes the contents of every buffer in a kernel's buffer
// cache to its own file in the current directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-bufdump/cmd/bufdump/cli"
)

func main() {
	var c cli.CLI
	kong.Parse(&c, cli.KongOptions()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := c.Run(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bufdump: %v\n", err)
		os.Exit(1)
	}
}

// Command inventory maintains the Ruby artifact manifest: it publishes
// freshly built tarballs into it, re-verifies every published artifact and
// prints its contents.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	a.finish(err)
	if err == nil {
		return 0
	}
	return renderExit(stderr, a.command, err)
}

package main

import (
	"context"
	"fmt"
	"os"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitOK     = 0
	exitFailed = 1
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitFailed)
	}
	os.Exit(exitOK)
}

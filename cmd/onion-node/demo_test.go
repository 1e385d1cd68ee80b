package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"sphinx-onion/go-core/internal/config"
)

func TestRunDemoDeliversMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = stdout }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runErr := runDemo(ctx, config.Default(), logger, "ping")
	_ = w.Close()
	out, _ := io.ReadAll(r)
	if runErr != nil {
		t.Fatalf("demo failed: %v", runErr)
	}
	if len(out) == 0 {
		t.Fatal("demo printed nothing")
	}
}

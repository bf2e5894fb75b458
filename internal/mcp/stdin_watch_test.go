package mcp_test

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	mcpserver "custody/internal/mcp"
)

func TestWatchParent_StopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mcpserver.WatchParent(ctx, 10*time.Millisecond, cancel)
	cancel()
	time.Sleep(30 * time.Millisecond)
}

func TestWatchParent_DoesNotConsumeStdin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	defer pr.Close()

	mcpserver.WatchParent(ctx, 10*time.Millisecond, cancel)
	time.Sleep(30 * time.Millisecond)

	msg := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	go func() {
		pw.Write([]byte(msg))
		pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	if !scanner.Scan() {
		t.Fatalf("reader got no data; err=%v", scanner.Err())
	}
	if got, want := scanner.Text(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`; got != want {
		t.Fatalf("reader got %q, want %q", got, want)
	}
	if ctx.Err() != nil {
		t.Error("watchdog cancelled while parent is alive")
	}
}

package mcp

import (
	"context"
	"os"
	"time"

	"custody/internal/logging"
)

// WatchParent cancels the server when the parent process goes away, so a
// disconnected client does not leave an orphaned server behind. It polls
// the parent PID and never reads stdin, which the stdio transport owns.
func WatchParent(ctx context.Context, interval time.Duration, cancelFn context.CancelFunc) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ppid := os.Getppid()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if os.Getppid() != ppid {
					logging.New("mcp").Warn("parent process exited, shutting down", "ppid", ppid)
					cancelFn()
					return
				}
			}
		}
	}()
}

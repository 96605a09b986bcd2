package shared

import (
	"context"
	"log/slog"
	"time"
)

// detachTimeout bounds how long a detached write may run.
const detachTimeout = 10 * time.Second

// Detach runs fn in a background goroutine with an at-most-once, best-effort
// contract. The hot path never waits on it: errors and panics are logged and
// dropped. Used for persistence snapshots and audit writes.
func Detach(logger *slog.Logger, op string, fn func(ctx context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("detached write panicked", "op", op, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("detached write failed", "op", op, "error", err)
		}
	}()
}

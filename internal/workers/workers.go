package workers

import (
	"context"
	"log/slog"
	"time"
)

// Finisher settles challenges whose window has closed.
type Finisher interface {
	FinishExpired(ctx context.Context) int
}

// StartFinishWorker runs a sweep every interval until ctx is done.
func StartFinishWorker(ctx context.Context, f Finisher, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx, f)
			}
		}
	}()
}

func sweep(ctx context.Context, f Finisher) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if n := f.FinishExpired(ctx); n > 0 {
		slog.Info("settled expired challenges", "count", n)
	}
}

package server

import (
	"context"
	"log"
	"time"

	"bidreach/internal/engine"
)

// StartDispatch runs the outreach scheduler in the background until ctx is
// canceled. Each tick sweeps overdue attempts and dispatches due campaigns.
func StartDispatch(ctx context.Context, e engine.Engine) {
	interval := e.Config.PollInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := e.RunDue(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("dispatch: run failed: %v", err)
			}
			if n > 0 {
				log.Printf("dispatch: processed %d campaigns", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

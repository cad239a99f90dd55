// Package async includes helpers for scheduling runnable, periodic functions.
package async

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunEvery runs the provided command periodically.
// It runs in a goroutine, and can be cancelled by finishing the supplied context.
func RunEvery(ctx context.Context, name string, period time.Duration, f func()) {
	ticker := time.NewTicker(period)
	go func() {
		for {
			select {
			case <-ticker.C:
				log.WithField("function", name).Trace("running")
				f()
			case <-ctx.Done():
				log.WithField("function", name).Debug("context is closed, exiting")
				ticker.Stop()
				return
			}
		}
	}()
}

package app

import (
	"context"
	"time"
)

// reapLoop closes idle sessions every ReapInterval until ctx is done.
func (a *App) reapLoop(ctx context.Context) {
	t := time.NewTicker(nonZeroDuration(a.cfg.ReapInterval, time.Minute))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := a.reapIdle(now.UTC()); n > 0 {
				a.log.Info("session.reap", "closed", n)
			}
		}
	}
}

// reapIdle closes sessions nobody is present in whose last change is older than SessionIdleTimeout.
func (a *App) reapIdle(now time.Time) int {
	closed := 0
	for _, id := range a.store.Sessions() {
		st, ok := a.store.GetSessionStatistics(id)
		if !ok || st.ActivePresence > 0 {
			continue
		}
		if now.Sub(st.LastModified) < a.cfg.SessionIdleTimeout {
			continue
		}
		a.store.CloseSession(id)
		closed++
	}
	return closed
}

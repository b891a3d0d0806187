package api

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
)

// SweepSessions deletes expired and idle sessions.
func (a *API) SweepSessions() int {
	n := a.sessions.Sweep()
	if n > 0 {
		a.logger.Info("cleaned expired sessions", "count", n, "remaining", a.sessions.Len())
	}
	return n
}

// CleanupLimits forgets stale lockout records and idle rate-limit buckets.
func (a *API) CleanupLimits() int {
	n := a.guard.sweep() + a.limiter.cleanup()
	if n > 0 {
		a.logger.Debug("cleaned rate limit state", "count", n)
	}
	return n
}

// StartMaintenance schedules the session sweep and the rate-limit cleanup
// on their configured intervals. The returned stop function cancels both
// and waits for a running pass to finish. Cancelling ctx has the same
// effect.
func (a *API) StartMaintenance(ctx context.Context) (stop func()) {
	c := cron.New()
	if a.sessionCfg.Sweep > 0 {
		c.Schedule(cron.Every(a.sessionCfg.Sweep), cron.FuncJob(func() { a.SweepSessions() }))
	}
	if a.rateCfg.Cleanup > 0 {
		c.Schedule(cron.Every(a.rateCfg.Cleanup), cron.FuncJob(func() { a.CleanupLimits() }))
	}
	c.Start()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-c.Stop().Done()
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

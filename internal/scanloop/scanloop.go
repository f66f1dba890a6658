// Package scanloop drives the engine's periodic work: the object rescan and
// the rule evaluation tick, plus an optional cron-scheduled rescan.
package scanloop

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultRescanInterval is the base cadence of the full object rescan.
	DefaultRescanInterval = 5 * time.Minute

	// DefaultEvaluateInterval is the cadence of the rule evaluation tick.
	DefaultEvaluateInterval = 30 * time.Second

	// DefaultJitterRange spreads rescans so multiple instances sharing a
	// host do not scan in lockstep.
	DefaultJitterRange = 4 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)). A non-positive
// minInterval disables the loop entirely.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		return
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// RunCron executes fn on a cron schedule until stopCh is closed. The spec
// must already be validated; an invalid spec returns the parse error without
// running anything.
func RunCron(stopCh <-chan struct{}, spec string, fn func()) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return err
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		next := schedule.Next(time.Now())
		timer.Reset(time.Until(next))
		select {
		case <-stopCh:
			return nil
		case <-timer.C:
		}
		fn()
	}
}

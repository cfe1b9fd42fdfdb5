package scheduler

import (
	"context"
	"time"

	"possync/internal/logger"
)

// Loop runs a task on a fixed cadence anchored at its first run. A task that
// overruns its slot skips the missed ticks instead of queueing them.
type Loop struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	// Align anchors the first run on the next wall-clock multiple of
	// Interval (e.g. :00 and :30 for 30s).
	Align bool

	nowFn func() time.Time
}

func NewLoop(name string, interval time.Duration) *Loop {
	return &Loop{Name: name, Interval: interval, nowFn: time.Now}
}

// Run blocks until ctx is done. The task is never interrupted by Run; it
// returns after the current invocation completes.
func (l *Loop) Run(ctx context.Context, task func(ctx context.Context)) {
	if l == nil {
		return
	}
	prefix := "Loop"
	if l.Name != "" {
		prefix = prefix + "[" + l.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if l.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, l.Interval)
		return
	}
	if l.nowFn == nil {
		l.nowFn = time.Now
	}

	startAt := l.nowFn().UTC()
	anchor := l.anchorAt(startAt)
	logger.Infof("%s: started interval=%s align=%v run_immediately=%v first=%s",
		prefix, l.Interval, l.Align, l.RunImmediately, anchor.Format(time.RFC3339))

	if l.RunImmediately {
		task(ctx)
	}
	nextAt := anchor
	if !l.Align {
		nextAt = anchor.Add(l.Interval)
	}
	for {
		if !waitUntil(ctx, nextAt, l.nowFn) {
			logger.Infof("%s: ctx done, exit | uptime=%s", prefix, l.nowFn().UTC().Sub(startAt).Truncate(time.Second))
			return
		}
		task(ctx)
		nextAt = nextFixedTimeAfter(anchor, l.Interval, l.nowFn().UTC())
		logger.Debugf("%s: next run at %s", prefix, nextAt.Format(time.RFC3339))
	}
}

// anchorAt is the reference point of the schedule. An aligned loop anchors on
// the next multiple of Interval after start.
func (l *Loop) anchorAt(start time.Time) time.Time {
	if !l.Align {
		return start
	}
	return start.Truncate(l.Interval).Add(l.Interval)
}

func waitUntil(ctx context.Context, target time.Time, nowFn func() time.Time) bool {
	wait := target.Sub(nowFn().UTC())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}

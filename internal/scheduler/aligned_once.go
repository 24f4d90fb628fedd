package scheduler

import (
	"context"
	"time"

	"deltaflow/internal/logger"
)

// AlignedOnceScheduler aligns its first run to an interval boundary, then
// repeats at a fixed cadence anchored to that first run. The decision loop
// uses it so the first cycle lands just after a bar close and subsequent
// cycles keep a drift-free rhythm from there.
type AlignedOnceScheduler struct {
	Name           string
	AlignInterval  time.Duration
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedOnceScheduler(ctx context.Context, alignInterval, interval, offset time.Duration) *AlignedOnceScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedOnceScheduler{
		AlignInterval: alignInterval,
		Interval:      interval,
		Offset:        offset,
		ctx:           ctx,
		nowFn:         time.Now,
	}
}

// Start blocks until the context is done.
func (s *AlignedOnceScheduler) Start(task func()) {
	if s == nil {
		return
	}
	prefix := s.logPrefix()
	if task == nil {
		logger.Warnf("%s task is nil, exit", prefix)
		return
	}
	if s.AlignInterval <= 0 {
		logger.Warnf("%s invalid align_interval=%s, exit", prefix, s.AlignInterval)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s started align_interval=%s interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.AlignInterval, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task()
	}

	now := s.nowFn().UTC()
	boundary := now.Truncate(s.AlignInterval).Add(s.AlignInterval)
	firstAt := boundary.Add(s.Offset)
	logger.Infof("%s first run=%s (boundary=%s, in %s)",
		prefix,
		firstAt.Format(time.RFC3339),
		boundary.Format(time.RFC3339),
		firstAt.Sub(now).Truncate(time.Millisecond),
	)

	if !s.waitUntil(prefix, firstAt) {
		return
	}
	task()

	anchor := firstAt.UTC()
	nextAt := nextFixedTimeAfter(anchor, s.Interval, s.nowFn().UTC())

	for {
		now := s.nowFn().UTC()
		logger.Debugf("%s next run=%s in=%s uptime=%s",
			prefix,
			nextAt.Format(time.RFC3339),
			nextAt.Sub(now).Truncate(time.Millisecond),
			now.Sub(startAt).Truncate(time.Second),
		)

		if !s.waitUntil(prefix, nextAt) {
			return
		}
		task()
		nextAt = nextFixedTimeAfter(anchor, s.Interval, s.nowFn().UTC())
	}
}

func (s *AlignedOnceScheduler) logPrefix() string {
	if s.Name != "" {
		return "[scheduler:" + s.Name + "]"
	}
	return "[scheduler]"
}

func (s *AlignedOnceScheduler) waitUntil(prefix string, target time.Time) bool {
	now := s.nowFn().UTC()
	wait := target.Sub(now)
	if wait <= 0 {
		select {
		case <-s.ctx.Done():
			logger.Infof("%s ctx done, exit", prefix)
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(wait)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		logger.Infof("%s ctx done, exit", prefix)
		return false
	case <-timer.C:
		return true
	}
}

// nextFixedTimeAfter returns the first anchor+k*interval strictly after now.
// Skipping whole multiples keeps the cadence anchored when a task overruns.
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

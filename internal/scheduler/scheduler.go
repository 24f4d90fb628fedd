// Package scheduler provides wall-clock-aligned task loops. Bar flushing
// and decision cycles both want to fire just after an interval boundary,
// not at arbitrary process-start offsets.
package scheduler

import (
	"context"
	"time"

	"deltaflow/internal/logger"
)

// AlignedScheduler runs task at every interval boundary plus offset.
// Boundaries are computed from the UTC wall clock, so a 1m scheduler
// fires at :00 of every minute regardless of when the process started.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks until the context is done, invoking task once per boundary.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	prefix := s.logPrefix()
	if task == nil {
		logger.Warnf("%s task is nil, exit", prefix)
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
	logger.Infof("%s started interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		boundary, wakeAt, wait := s.nextTimes(now)

		logger.Debugf("%s next boundary=%s wake=%s in=%s uptime=%s",
			prefix,
			boundary.Format(time.RFC3339),
			wakeAt.Format(time.RFC3339),
			wait.Truncate(time.Millisecond),
			now.Sub(startAt).Truncate(time.Second),
		)

		if wait <= 0 {
			task()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("%s ctx done, exit", prefix)
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) logPrefix() string {
	if s.Name != "" {
		return "[scheduler:" + s.Name + "]"
	}
	return "[scheduler]"
}

func (s *AlignedScheduler) nextTimes(now time.Time) (boundary time.Time, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	boundary = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	wait = wakeAt.Sub(now)
	return boundary, wakeAt, wait
}

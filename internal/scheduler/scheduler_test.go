package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"5s", 5 * time.Second, true},
		{"30s", 30 * time.Second, true},
		{"1m", time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{" 1M ", time.Minute, true},
		{"", 0, false},
		{"m", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"10x", 0, false},
		{"1.5h", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseIntervalDuration(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestAlignedScheduler_NextTimes(t *testing.T) {
	s := &AlignedScheduler{Interval: time.Minute, Offset: 2 * time.Second}
	now := time.Date(2024, 5, 1, 12, 0, 40, 0, time.UTC)

	boundary, wakeAt, wait := s.nextTimes(now)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC), boundary)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 2, 0, time.UTC), wakeAt)
	assert.Equal(t, 22*time.Second, wait)
}

func TestNextFixedTimeAfter(t *testing.T) {
	anchor := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Steps One Interval", func(t *testing.T) {
		got := nextFixedTimeAfter(anchor, 5*time.Second, anchor.Add(3*time.Second))
		assert.Equal(t, anchor.Add(5*time.Second), got)
	})

	t.Run("Skips Missed Intervals After Overrun", func(t *testing.T) {
		got := nextFixedTimeAfter(anchor, 5*time.Second, anchor.Add(12*time.Second))
		assert.Equal(t, anchor.Add(15*time.Second), got)
	})

	t.Run("Before Anchor Returns Anchor", func(t *testing.T) {
		got := nextFixedTimeAfter(anchor, 5*time.Second, anchor.Add(-time.Second))
		assert.Equal(t, anchor, got)
	})
}

func TestAlignedScheduler_Start(t *testing.T) {
	t.Run("Fires And Stops On Cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s := NewAlignedScheduler(ctx, 10*time.Millisecond, 0)
		s.Name = "test"

		ticks := make(chan struct{}, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Start(func() { ticks <- struct{}{} })
		}()

		for i := 0; i < 2; i++ {
			select {
			case <-ticks:
			case <-time.After(2 * time.Second):
				t.Fatal("scheduler never fired")
			}
		}
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not exit on cancel")
		}
	})

	t.Run("Run Immediately Fires Before Alignment", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := NewAlignedScheduler(ctx, time.Hour, 0)
		s.RunImmediately = true

		ticks := make(chan struct{}, 1)
		go s.Start(func() { ticks <- struct{}{} })

		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("immediate run did not fire")
		}
	})

	t.Run("Invalid Interval Returns", func(t *testing.T) {
		s := NewAlignedScheduler(context.Background(), 0, 0)
		done := make(chan struct{})
		go func() {
			s.Start(func() {})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler with zero interval should exit at once")
		}
	})
}

func TestAlignedOnceScheduler_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAlignedOnceScheduler(ctx, 20*time.Millisecond, 10*time.Millisecond, 0)
	s.Name = "cycle"

	ticks := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(func() { ticks <- struct{}{} })
	}()

	// first aligned run plus at least one fixed-cadence repeat
	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler never fired")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit on cancel")
	}
}

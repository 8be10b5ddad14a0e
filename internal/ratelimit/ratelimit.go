// Package ratelimit bounds how many jobs each source may dispatch within
// a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is consulted once per dispatch attempt.
type Limiter interface {
	Allow(source string, now time.Time) bool
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(string, time.Time) bool { return true }

// SlidingWindow keeps per-source timestamps of recent grants.
type SlidingWindow struct {
	mu        sync.Mutex
	perSource int
	window    time.Duration
	sources   map[string][]time.Time
}

// NewSlidingWindow allows perSource grants per window for every source.
// perSource <= 0 disables limiting.
func NewSlidingWindow(perSource int, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		perSource: perSource,
		window:    window,
		sources:   map[string][]time.Time{},
	}
}

func (l *SlidingWindow) Allow(source string, now time.Time) bool {
	if l == nil || l.perSource <= 0 {
		return true
	}
	if source == "" {
		source = "default"
	}
	cutoff := now.Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()

	history := trimBefore(l.sources[source], cutoff)
	if len(history) >= l.perSource {
		l.sources[source] = history
		return false
	}
	l.sources[source] = append(history, now)
	return true
}

func trimBefore(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}

// Package grace tracks disconnect grace windows for many players with one
// central deadline map instead of a timer per player.
package grace

import (
	"math"
	"time"
)

const DefaultPeriod = 10 * time.Second

type Scheduler struct {
	period    time.Duration
	deadlines map[string]time.Time
}

func NewScheduler(period time.Duration) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{period: period, deadlines: make(map[string]time.Time)}
}

// Start begins (or restarts) the countdown for id and returns the whole
// seconds remaining.
func (s *Scheduler) Start(id string, now time.Time) int {
	s.deadlines[id] = now.Add(s.period)
	return seconds(s.period)
}

// Cancel stops the countdown for id. It reports whether one was running.
func (s *Scheduler) Cancel(id string) bool {
	_, ok := s.deadlines[id]
	delete(s.deadlines, id)
	return ok
}

func (s *Scheduler) CancelAll() {
	clear(s.deadlines)
}

func (s *Scheduler) Active() bool { return len(s.deadlines) > 0 }

func (s *Scheduler) Remaining(id string, now time.Time) (int, bool) {
	d, ok := s.deadlines[id]
	if !ok {
		return 0, false
	}
	return seconds(d.Sub(now)), true
}

// Tick advances every countdown to now. Running countdowns are reported in
// remaining; those that reached their deadline are removed and listed in
// expired.
func (s *Scheduler) Tick(now time.Time) (remaining map[string]int, expired []string) {
	remaining = make(map[string]int, len(s.deadlines))
	for id, d := range s.deadlines {
		left := d.Sub(now)
		if left <= 0 {
			expired = append(expired, id)
			delete(s.deadlines, id)
			continue
		}
		remaining[id] = seconds(left)
	}
	return remaining, expired
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

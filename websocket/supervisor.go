package websocket

import (
	"errors"
	"time"
)

var errInvalidSupervisor = errors.New("probe interval and timeout threshold must be positive")

// supervisor holds the liveness state of one connection. It is only touched
// from the owning Conn's run loop, so it needs no locking.
type supervisor struct {
	interval  time.Duration
	threshold time.Duration
	lastSeen  time.Time
	ticker    *time.Ticker
}

func newSupervisor(interval, threshold time.Duration) (*supervisor, error) {
	if interval <= 0 || threshold <= 0 {
		return nil, errInvalidSupervisor
	}
	return &supervisor{interval: interval, threshold: threshold}, nil
}

func (s *supervisor) start(now time.Time) {
	s.lastSeen = now
	s.ticker = time.NewTicker(s.interval)
}

func (s *supervisor) ticks() <-chan time.Time {
	return s.ticker.C
}

func (s *supervisor) touch(now time.Time) {
	s.lastSeen = now
}

// expired reports whether more than the threshold has passed since the peer
// was last heard from.
func (s *supervisor) expired(now time.Time) (time.Duration, bool) {
	elapsed := now.Sub(s.lastSeen)
	return elapsed, elapsed > s.threshold
}

func (s *supervisor) stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

package concurrent

import (
	"sync"
	"time"

	"github.com/MattiasZurkovic/concourse/data"
)

// RangeLockService coordinates interval scopes under a key. Two range
// reads never conflict; a range write conflicts with any overlapping read
// or write on the same key.
type RangeLockService struct {
	mu      sync.Mutex
	holders []*rangeGrant
	wake    chan struct{}
	noOp    bool
}

type rangeGrant struct {
	tok   data.RangeToken
	write bool
}

func NewRangeLockService() *RangeLockService {
	return &RangeLockService{wake: make(chan struct{})}
}

// NoOpRangeLockService returns a service whose locks always succeed; see
// NoOpLockService.
func NoOpRangeLockService() *RangeLockService {
	return &RangeLockService{noOp: true}
}

// ReadLock acquires a shared interval scope, waiting at most timeout.
func (s *RangeLockService) ReadLock(tok data.RangeToken, timeout time.Duration) (Unlocker, error) {
	return s.grab(tok, false, timeout)
}

// WriteLock acquires an exclusive interval scope, waiting at most
// timeout.
func (s *RangeLockService) WriteLock(tok data.RangeToken, timeout time.Duration) (Unlocker, error) {
	return s.grab(tok, true, timeout)
}

func (s *RangeLockService) grab(tok data.RangeToken, write bool, timeout time.Duration) (Unlocker, error) {
	if s.noOp {
		return func() {}, nil
	}

	deadline := time.Now().Add(timeout)
	interval := tok.Interval()
	for {
		s.mu.Lock()
		if !s.blocked(tok.Key, interval, write) {
			grant := &rangeGrant{tok: tok, write: write}
			s.holders = append(s.holders, grant)
			s.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() { s.drop(grant) })
			}, nil
		}
		wake := s.wake
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, ErrLockTimeout
		}
	}
}

func (s *RangeLockService) blocked(key string, interval data.Interval, write bool) bool {
	for _, grant := range s.holders {
		if grant.tok.Key != key {
			continue
		}
		if !write && !grant.write {
			continue
		}
		if interval.Overlaps(grant.tok.Interval()) {
			return true
		}
	}
	return false
}

func (s *RangeLockService) drop(grant *rangeGrant) {
	s.mu.Lock()
	for i, held := range s.holders {
		if held == grant {
			s.holders = append(s.holders[:i], s.holders[i+1:]...)
			break
		}
	}
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

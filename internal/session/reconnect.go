package session

import (
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
)

// Decision is the scheduler's answer to one transport close
type Decision struct {
	Retry     bool
	Attempt   int           // attempt number the retry will be, from 1
	Delay     time.Duration // wait before the retry
	Exhausted bool          // set once when the attempts ran out
}

// Scheduler decides whether and when to reconnect after a close. The delay
// grows linearly: base * attempt.
type Scheduler struct {
	maxAttempts int
	base        time.Duration

	attempts  int
	pending   bool
	exhausted bool
}

func NewScheduler(maxAttempts int, base time.Duration) *Scheduler {
	return &Scheduler{maxAttempts: maxAttempts, base: base}
}

// Decide is called exactly once per transport close. local is true when
// the close follows an explicit Disconnect.
func (s *Scheduler) Decide(code int, local bool) Decision {
	if local || cnst.IsBenignClose(code) || s.pending {
		return Decision{}
	}
	if s.attempts >= s.maxAttempts {
		if s.exhausted {
			return Decision{}
		}
		s.exhausted = true
		return Decision{Exhausted: true}
	}
	s.attempts++
	s.pending = true
	return Decision{
		Retry:   true,
		Attempt: s.attempts,
		Delay:   s.base * time.Duration(s.attempts),
	}
}

// Fired clears the pending flag when the retry timer runs or is stopped
func (s *Scheduler) Fired() {
	s.pending = false
}

// Reset zeroes the counter after a successful open or a caller-initiated connect
func (s *Scheduler) Reset() {
	s.attempts = 0
	s.pending = false
	s.exhausted = false
}

func (s *Scheduler) Attempts() int {
	return s.attempts
}

func (s *Scheduler) Pending() bool {
	return s.pending
}

package retry

import (
	"time"

	"github.com/autostudy/autostudy/internal/domain"
)

// Attempt describes one invocation of the operation.
type Attempt struct {
	Index    int // 1-based
	Class    domain.ErrorClass
	Err      error
	Delay    time.Duration // wait before the next attempt, zero when none follows
	Started  time.Time
	Duration time.Duration
}

// Trace is the history of one Do call.
type Trace struct {
	Policy     domain.RetryPolicy
	Class      domain.ErrorClass
	Attempts   []Attempt
	Start      time.Time
	Elapsed    time.Duration
	TotalDelay time.Duration
	Exhausted  bool
	Cancelled  bool
}

// Stats summarizes a Trace.
type Stats struct {
	Attempts   int           `json:"attempts"`
	Failures   int           `json:"failures"`
	TotalDelay time.Duration `json:"total_delay"`
	Elapsed    time.Duration `json:"elapsed"`
	Exhausted  bool          `json:"exhausted"`
}

// Stats returns the attempt count, accumulated delay and elapsed time.
func (t *Trace) Stats() Stats {
	s := Stats{
		Attempts:   len(t.Attempts),
		TotalDelay: t.TotalDelay,
		Elapsed:    t.Elapsed,
		Exhausted:  t.Exhausted,
	}
	for _, a := range t.Attempts {
		if a.Err != nil {
			s.Failures++
		}
	}
	return s
}

// LastError returns the error of the final attempt, if any.
func (t *Trace) LastError() error {
	if len(t.Attempts) == 0 {
		return nil
	}
	return t.Attempts[len(t.Attempts)-1].Err
}

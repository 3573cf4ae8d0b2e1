package reporting

import (
	"time"
)

// Status of one script step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Case is the outcome of one top-level script step.
type Case struct {
	Index    int           `json:"index"`
	Route    string        `json:"route"`
	Summary  string        `json:"summary"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	// Outputs holds the values delivered by get.* routes, in order.
	Outputs []any `json:"outputs,omitempty"`
}

// Suite is one script run.
type Suite struct {
	Name     string        `json:"name"`
	Backend  string        `json:"backend"`
	Session  string        `json:"session"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Cases    []Case        `json:"cases"`
}

// Counts returns how many cases failed and how many were skipped.
func (s *Suite) Counts() (failed, skipped int) {
	for _, c := range s.Cases {
		switch c.Status {
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return failed, skipped
}

// Passed reports whether no case failed.
func (s *Suite) Passed() bool {
	failed, _ := s.Counts()
	return failed == 0
}

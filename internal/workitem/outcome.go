// Package workitem runs the asynchronous, at-least-once stages of the router.
// Each stage is a named queue of JSON work items and a handler that returns an
// Outcome telling the runner what to do with the item next.
package workitem

import (
	"fmt"
	"time"
)

// Verdict is what a handler decided about one work item.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictRetryAfter
	VerdictRandomBackoff
)

// Outcome is the result of handling one work item.
type Outcome struct {
	Verdict Verdict
	Delay   time.Duration
}

// Success completes the work item.
func Success() Outcome { return Outcome{Verdict: VerdictSuccess} }

// RetryAfter re-queues the work item, with any changes the handler made to
// it, once d has elapsed.
func RetryAfter(d time.Duration) Outcome {
	if d < 0 {
		d = 0
	}
	return Outcome{Verdict: VerdictRetryAfter, Delay: d}
}

// TransientFailureRandomBackoff re-queues the work item after a random delay
// chosen by the runner.
func TransientFailureRandomBackoff() Outcome { return Outcome{Verdict: VerdictRandomBackoff} }

func (o Outcome) String() string {
	switch o.Verdict {
	case VerdictSuccess:
		return "success"
	case VerdictRetryAfter:
		return fmt.Sprintf("retry_after(%s)", o.Delay)
	case VerdictRandomBackoff:
		return "random_backoff"
	default:
		return "unknown"
	}
}

// Label is the metrics label of the outcome.
func (o Outcome) Label() string {
	switch o.Verdict {
	case VerdictSuccess:
		return "success"
	case VerdictRetryAfter:
		return "retry_after"
	default:
		return "random_backoff"
	}
}

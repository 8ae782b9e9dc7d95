// Package retrypolicy implements the pure retry-decision function used by
// the completion reconciler: given a module's retry configuration and its
// current retry sub-state, decide whether another attempt should be made
// and after what delay. It has no side effects and no collaborators.
package retrypolicy

import (
	"time"

	"github.com/flowcore/flowcore/internal/flow"
)

// Decision is the outcome of evaluating a retry policy: another attempt
// should be made after waiting Delay, ending at retry attempt NewFailCount.
type Decision struct {
	NewFailCount int
	Delay        time.Duration
}

// Next returns a Decision and true iff the module should be retried: the
// current fail count hasn't exceeded flow.MaxRetryAttempts, and cfg
// defines a finite interval for that attempt index. The returned delay is
// clamped to flow.MaxRetryInterval.
func Next(cfg *flow.RetryConfig, status flow.RetryStatus) (Decision, bool) {
	if status.FailCount > flow.MaxRetryAttempts {
		return Decision{}, false
	}
	delay, ok := cfg.Interval(status.FailCount)
	if !ok {
		return Decision{}, false
	}
	maxInterval := time.Duration(flow.MaxRetryInterval) * time.Second
	if delay > maxInterval {
		delay = maxInterval
	}
	return Decision{NewFailCount: status.FailCount + 1, Delay: delay}, true
}

// Package health probes executor liveness. The scheduler uses it while
// waiting for a sandbox to come up; the dispatch watchdog uses it to
// tell a hung execution from a dead container.
package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs a health probe against one target.
type Checker interface {
	Check(ctx context.Context) Result
}

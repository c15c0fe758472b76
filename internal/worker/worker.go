// Package worker provides the proxy's background tasks: usage batch
// persistence, hourly usage rollups, and proactive credential refresh.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

package cluster

import "context"

// Coordinator manages leader election so cluster-wide duties, like reassigning
// stale jobs, run on exactly one node at a time.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

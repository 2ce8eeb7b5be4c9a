package xa

import (
	"context"
)

// Vote is the answer to a successful prepare.
type Vote int

const (
	VoteCommit Vote = iota
	// VoteReadOnly : nothing to commit, the branch is finished.
	VoteReadOnly
)

// Resource is what a resource adapter presents to the coordinator.
//
// A prepare that returns an *Error carrying a rollback code (IsRollbackVote)
// is a vote to roll back; any other error is a failure. Heuristic outcomes on
// commit or rollback are reported with the heuristic codes.
type Resource interface {
	// ResourceManager names the resource manager. It must be stable between
	// restarts and unique among the resources used with one coordinator.
	ResourceManager() string
	SupportsJoin() bool
	SupportsSuspend() bool

	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	// Recover returns every prepared branch known to the resource manager.
	Recover(ctx context.Context) ([]Xid, error)
}

// TimeoutSetter is implemented by resources that accept the transaction timeout.
// The timeout belongs to the branch xid only, 0 restores the resource default.
// Enforcing it is up to the resource manager.
type TimeoutSetter interface {
	SetTransactionTimeout(xid Xid, seconds int) error
}

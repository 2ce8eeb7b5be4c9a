package executor

import (
	"context"

	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/xa"
)

// Branch is the work of one resource manager inside a transaction. Its
// status is only touched by the goroutine driving the branch.
type Branch struct {
	gid      xa.GlobalId
	resource xa.Resource
	status   define.TxnStatus
}

func (b *Branch) GlobalId() xa.GlobalId {
	return b.gid
}

func (b *Branch) Xid() xa.Xid {
	return b.gid.Xid()
}

func (b *Branch) ResourceManager() string {
	return b.resource.ResourceManager()
}

func (b *Branch) Status() define.TxnStatus {
	return b.status
}

func (b *Branch) timed(op string, fn func() error) error {
	timer := branchTimer.Timer()
	err := fn()
	timer(b.ResourceManager(), op, operator.Result(err))
	return err
}

func (b *Branch) prepare(ctx context.Context) (vote xa.Vote, err error) {
	err = b.timed(xaOpPrepare, func() error {
		vote, err = b.resource.Prepare(ctx, b.Xid())
		return err
	})
	return vote, err
}

func (b *Branch) commit(ctx context.Context, onePhase bool) error {
	return b.timed(operator.If(onePhase, xaOpCommitOnePhase, xaOpCommit), func() error {
		return b.resource.Commit(ctx, b.Xid(), onePhase)
	})
}

func (b *Branch) rollback(ctx context.Context) error {
	return b.timed(xaOpRollback, func() error {
		return b.resource.Rollback(ctx, b.Xid())
	})
}

const (
	xaOpPrepare        = "prepare"
	xaOpCommit         = "commit"
	xaOpCommitOnePhase = "commit_one_phase"
	xaOpRollback       = "rollback"
)

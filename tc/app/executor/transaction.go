package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
	"github.com/ikenchina/xatm/xa"
)

// CompletionListener is called once when a transaction completes.
type CompletionListener func(txn *Transaction)

// Transaction is one global transaction.
//
//	ACTIVE -> MARKED_ROLLBACK -> ROLLING_BACK
//	ACTIVE -> PREPARING -> COMMITTING -> COMMITTED | COMMIT_FAILED
//	                    -> ROLLING_BACK -> ROLLED_BACK | ROLLBACK_FAILED
//
// Every status change is durable before the resource call it announces.
type Transaction struct {
	// mutex is held for a whole operation, resource calls included.
	mutex sync.Mutex
	// stateMutex guards status, timeout and branches for readers that must
	// not wait on a running commit or rollback. Writers hold mutex too.
	stateMutex sync.RWMutex

	ex        *Executor
	gid       xa.GlobalId
	log       store.PersistentTransaction
	released  bool
	status    define.TxnStatus
	timeout   int
	branches  []*Branch
	listeners []CompletionListener
	completed bool
}

func (t *Transaction) GlobalId() xa.GlobalId {
	return t.gid
}

func (t *Transaction) TransactionId() uint64 {
	return t.gid.TransactionId
}

func (t *Transaction) Status() define.TxnStatus {
	t.stateMutex.RLock()
	defer t.stateMutex.RUnlock()
	return t.status
}

func (t *Transaction) setStatus(status define.TxnStatus) {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	t.status = status
}

func (t *Transaction) Completed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.completed
}

func (t *Transaction) Timeout() int {
	t.stateMutex.RLock()
	defer t.stateMutex.RUnlock()
	return t.timeout
}

// Branches returns the enlisted branches in enlistment order.
func (t *Transaction) Branches() []*Branch {
	t.stateMutex.RLock()
	defer t.stateMutex.RUnlock()
	branches := make([]*Branch, len(t.branches))
	copy(branches, t.branches)
	return branches
}

// RegisterCompletionListener adds fn to the listeners run at the end of
// Commit or Rollback. A listener must not call back into the transaction
// except for Status and GlobalId.
func (t *Transaction) RegisterCompletionListener(fn CompletionListener) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Transaction) misuse(op string, err error) error {
	return define.NewError(define.KindProtocolMisuse, op, t.gid.String(), err)
}

// Enlist adds resource to the transaction and returns the Xid of its
// branch. An already enlisted resource manager gets its existing branch
// back, with joined set, when the resource supports join.
func (t *Transaction) Enlist(ctx context.Context, resource xa.Resource) (xid xa.Xid, joined bool, err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.completed || t.Status() != define.TxnStatusActive {
		return xa.Xid{}, false, t.misuse("enlist", ErrNotActive)
	}

	rm := resource.ResourceManager()
	if rm == "" || strings.ContainsAny(rm, "\r\n") {
		return xa.Xid{}, false, t.misuse("enlist", ErrInvalidRmName)
	}
	for _, b := range t.branches {
		if b.ResourceManager() != rm {
			continue
		}
		if resource.SupportsJoin() {
			return b.Xid(), true, nil
		}
		return xa.Xid{}, false, t.misuse("enlist", ErrAlreadyEnlisted)
	}

	b := &Branch{
		gid:      t.gid.Branch(uint32(len(t.branches) + 1)),
		resource: resource,
	}
	if err = t.saveBranch(ctx, b, define.TxnStatusActive, nil); err != nil {
		return xa.Xid{}, false, err
	}
	t.stateMutex.Lock()
	t.branches = append(t.branches, b)
	t.stateMutex.Unlock()
	t.applyTimeout(ctx, b)

	logutil.Logger(ctx).Sugar().Debugf("enlist : xid(%s), rm(%s)", b.gid, rm)
	return b.Xid(), false, nil
}

func (t *Transaction) applyTimeout(ctx context.Context, b *Branch) {
	setter, ok := b.resource.(xa.TimeoutSetter)
	if !ok {
		return
	}
	if err := setter.SetTransactionTimeout(b.Xid(), t.timeout); err != nil {
		logutil.Logger(ctx).Sugar().Warnf("set transaction timeout : xid(%s), timeout(%d), error(%v)",
			b.gid, t.timeout, err)
	}
}

// SetTransactionTimeout records the timeout in seconds and hands it to
// every enlisted resource that accepts one, 0 restores the default.
func (t *Transaction) SetTransactionTimeout(ctx context.Context, seconds int) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if seconds < 0 {
		return t.misuse("set timeout", ErrInvalidTimeout)
	}
	if t.completed {
		return t.misuse("set timeout", ErrCompleted)
	}
	t.stateMutex.Lock()
	t.timeout = seconds
	t.stateMutex.Unlock()
	for _, b := range t.branches {
		t.applyTimeout(ctx, b)
	}
	return nil
}

// SetRollbackOnly makes the outcome rollback whatever Commit is called.
func (t *Transaction) SetRollbackOnly(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.completed {
		return t.misuse("set rollback only", ErrCompleted)
	}
	if t.Status() == define.TxnStatusMarkedRollback {
		return nil
	}
	return t.saveStatus(ctx, define.TxnStatusMarkedRollback)
}

// Commit decides and drives the outcome. The transaction is completed on
// return whatever the error, unless the error is a protocol misuse.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.completed {
		return t.misuse("commit", ErrCompleted)
	}
	switch t.Status() {
	case define.TxnStatusActive, define.TxnStatusMarkedRollback:
	default:
		return t.misuse("commit", ErrNotActive)
	}

	defer func(timer func(...string)) {
		timer("commit", operator.Result(err))
	}(txnTimer.Timer())
	defer t.complete(ctx)

	if t.Status() == define.TxnStatusMarkedRollback {
		if err = t.rollback(ctx, "commit"); err != nil {
			return err
		}
		return define.NewError(define.KindRolledBack, "commit", t.gid.String(), ErrMarkedRollback)
	}

	switch len(t.branches) {
	case 0:
		if err = t.saveStatus(ctx, define.TxnStatusCommitted); err != nil {
			return err
		}
		t.release(ctx, true)
		return nil
	case 1:
		return t.commitOnePhase(ctx, t.branches[0])
	}
	return t.commitTwoPhase(ctx)
}

func (t *Transaction) commitOnePhase(ctx context.Context, b *Branch) error {
	if err := t.saveStatus(ctx, define.TxnStatusCommitting); err != nil {
		return err
	}
	if err := t.saveBranch(ctx, b, define.TxnStatusCommitting, nil); err != nil {
		return err
	}

	cerr := b.commit(ctx, true)
	switch {
	case cerr == nil:
		if err := t.saveBranch(ctx, b, define.TxnStatusCommitted, nil); err != nil {
			return err
		}
		if err := t.saveStatus(ctx, define.TxnStatusCommitted); err != nil {
			return err
		}
		t.release(ctx, true)
		return nil

	case xa.IsRollbackVote(cerr):
		if err := t.saveBranch(ctx, b, define.TxnStatusRolledBack, cerr); err != nil {
			return err
		}
		if err := t.saveStatus(ctx, define.TxnStatusRolledBack); err != nil {
			return err
		}
		t.release(ctx, true)
		return define.NewError(define.KindRolledBack, "commit", t.gid.String(), cerr)
	}

	logutil.Logger(ctx).Sugar().Errorf("one phase commit : xid(%s), rm(%s), error(%v)", b.gid, b.ResourceManager(), cerr)
	failure := cerr
	if err := t.saveBranch(ctx, b, define.TxnStatusCommitFailed, cerr); err != nil {
		failure = multierr.Append(failure, err)
	}
	if err := t.saveStatus(ctx, define.TxnStatusCommitFailed); err != nil {
		failure = multierr.Append(failure, err)
	}
	return t.failure("commit", failure)
}

func (t *Transaction) commitTwoPhase(ctx context.Context) error {
	if err := t.saveStatus(ctx, define.TxnStatusPreparing); err != nil {
		return err
	}

	// phase one : the first failure stops issuing prepares
	var stop int32
	perr := t.fanOut(t.branches, func(b *Branch) error {
		if atomic.LoadInt32(&stop) != 0 {
			return nil
		}
		err := t.prepareBranch(ctx, b)
		if err != nil {
			atomic.StoreInt32(&stop, 1)
		}
		return err
	}, func() bool { return atomic.LoadInt32(&stop) != 0 })

	if perr != nil {
		logutil.Logger(ctx).Sugar().Infof("prepare failed, rolling back : gtid(%s), error(%v)", t.gid, perr)
		if err := t.rollback(ctx, "commit"); err != nil {
			return multierr.Append(err, perr)
		}
		return define.NewError(define.KindRolledBack, "commit", t.gid.String(), perr)
	}

	// phase two : every branch is driven whatever the others do
	if err := t.saveStatus(ctx, define.TxnStatusCommitting); err != nil {
		return err
	}
	prepared := make([]*Branch, 0, len(t.branches))
	for _, b := range t.branches {
		if b.status == define.TxnStatusPrepared {
			prepared = append(prepared, b)
		}
	}
	cerr := t.fanOut(prepared, func(b *Branch) error {
		return t.commitBranch(ctx, b)
	}, nil)

	if cerr == nil {
		if err := t.saveStatus(ctx, define.TxnStatusCommitted); err != nil {
			return err
		}
		t.release(ctx, true)
		return nil
	}
	if err := t.saveStatus(ctx, define.TxnStatusCommitFailed); err != nil {
		cerr = multierr.Append(cerr, err)
	}
	return t.failure("commit", cerr)
}

// prepareBranch records the vote. An error is returned for anything but a
// commit or read only vote.
func (t *Transaction) prepareBranch(ctx context.Context, b *Branch) error {
	vote, err := b.prepare(ctx)
	switch {
	case err == nil && vote == xa.VoteReadOnly:
		return t.saveBranch(ctx, b, define.TxnStatusCommitted, nil)
	case err == nil:
		return t.saveBranch(ctx, b, define.TxnStatusPrepared, nil)
	case xa.IsRollbackVote(err):
		if serr := t.saveBranch(ctx, b, define.TxnStatusRolledBack, err); serr != nil {
			return multierr.Append(err, serr)
		}
		return err
	}
	logutil.Logger(ctx).Sugar().Errorf("prepare : xid(%s), rm(%s), error(%v)", b.gid, b.ResourceManager(), err)
	return err
}

func (t *Transaction) commitBranch(ctx context.Context, b *Branch) error {
	if err := t.saveBranch(ctx, b, define.TxnStatusCommitting, nil); err != nil {
		return err
	}
	cerr := b.commit(ctx, false)
	if cerr == nil {
		return t.saveBranch(ctx, b, define.TxnStatusCommitted, nil)
	}
	logutil.Logger(ctx).Sugar().Errorf("commit : xid(%s), rm(%s), error(%v)", b.gid, b.ResourceManager(), cerr)
	if serr := t.saveBranch(ctx, b, define.TxnStatusCommitFailed, cerr); serr != nil {
		return multierr.Append(cerr, serr)
	}
	return cerr
}

// Rollback rolls back every branch. The transaction is completed on
// return whatever the error, unless the error is a protocol misuse.
func (t *Transaction) Rollback(ctx context.Context) (err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.completed {
		return t.misuse("rollback", ErrCompleted)
	}

	defer func(timer func(...string)) {
		timer("rollback", operator.Result(err))
	}(txnTimer.Timer())
	defer t.complete(ctx)

	return t.rollback(ctx, "rollback")
}

func (t *Transaction) rollback(ctx context.Context, op string) error {
	if err := t.saveStatus(ctx, define.TxnStatusRollingBack); err != nil {
		return err
	}

	pending := make([]*Branch, 0, len(t.branches))
	for _, b := range t.branches {
		if !b.status.Terminal() {
			pending = append(pending, b)
		}
	}
	rerr := t.fanOut(pending, func(b *Branch) error {
		return t.rollbackBranch(ctx, b)
	}, nil)

	if rerr == nil {
		if err := t.saveStatus(ctx, define.TxnStatusRolledBack); err != nil {
			return err
		}
		t.release(ctx, true)
		return nil
	}
	if err := t.saveStatus(ctx, define.TxnStatusRollbackFailed); err != nil {
		rerr = multierr.Append(rerr, err)
	}
	return t.failure(op, rerr)
}

func (t *Transaction) rollbackBranch(ctx context.Context, b *Branch) error {
	if err := t.saveBranch(ctx, b, define.TxnStatusRollingBack, nil); err != nil {
		return err
	}
	rerr := b.rollback(ctx)
	if rolledBack(rerr) {
		return t.saveBranch(ctx, b, define.TxnStatusRolledBack, rerr)
	}
	logutil.Logger(ctx).Sugar().Errorf("rollback : xid(%s), rm(%s), error(%v)", b.gid, b.ResourceManager(), rerr)
	if serr := t.saveBranch(ctx, b, define.TxnStatusRollbackFailed, rerr); serr != nil {
		return multierr.Append(rerr, serr)
	}
	return rerr
}

// fanOut runs fn on the branches, at most MaxConcurrentBranch at once, and
// returns every error. stopped, when not nil, ends issuing new calls.
func (t *Transaction) fanOut(branches []*Branch, fn func(b *Branch) error, stopped func() bool) error {
	if len(branches) == 0 {
		return nil
	}

	var (
		mutex sync.Mutex
		errs  error
	)
	g := errgroup.Group{}
	g.SetLimit(t.ex.cfg.MaxConcurrentBranch)
	for _, b := range branches {
		if stopped != nil && stopped() {
			break
		}
		b := b
		g.Go(func() error {
			if err := fn(b); err != nil {
				mutex.Lock()
				errs = multierr.Append(errs, err)
				mutex.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// failure keeps the log for recovery and classifies err : a log failure
// wins over the resource failures.
func (t *Transaction) failure(op string, err error) error {
	kind := define.KindPostDecision
	for _, e := range multierr.Errors(err) {
		if define.IsKind(e, define.KindLogIO) {
			kind = define.KindLogIO
			break
		}
	}
	return define.NewError(kind, op, t.gid.String(), err)
}

func (t *Transaction) saveStatus(ctx context.Context, status define.TxnStatus) error {
	if err := t.log.Save(ctx, status); err != nil {
		logutil.Logger(ctx).Sugar().Errorf("save status : gtid(%s), status(%s), error(%v)", t.gid, status, err)
		return err
	}
	t.setStatus(status)
	return nil
}

func (t *Transaction) saveBranch(ctx context.Context, b *Branch, status define.TxnStatus, cause error) error {
	err := t.log.SaveBranch(ctx, status, b.gid.BranchId, b.ResourceManager(), cause)
	if err != nil {
		logutil.Logger(ctx).Sugar().Errorf("save branch status : xid(%s), status(%s), error(%v)", b.gid, status, err)
		return err
	}
	b.status = status
	return nil
}

// release gives the log back to the store, a resolved log is removed.
func (t *Transaction) release(ctx context.Context, remove bool) {
	if t.released {
		return
	}
	t.released = true

	var err error
	if remove {
		err = t.log.Remove()
	} else {
		err = t.log.Close()
	}
	if err != nil {
		// a resolved log left behind is removed by the next cleanup
		logutil.Logger(ctx).Sugar().Warnf("release log : gtid(%s), remove(%v), error(%v)", t.gid, remove, err)
	}
}

func (t *Transaction) complete(ctx context.Context) {
	t.release(ctx, false)
	t.completed = true

	stateGauge.Dec("active")
	outcomeCounter.Inc(string(t.Status()))

	for _, fn := range t.listeners {
		fn(t)
	}
}

package executor

import (
	"context"
	"errors"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/metrics"
	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
	"github.com/ikenchina/xatm/xa"
)

var (
	ErrNotActive       = errors.New("transaction is not active")
	ErrCompleted       = errors.New("transaction is completed")
	ErrAlreadyEnlisted = errors.New("resource manager is already enlisted")
	ErrMarkedRollback  = errors.New("transaction is marked rollback only")
	ErrInvalidTimeout  = errors.New("invalid transaction timeout")
	ErrInvalidRmName   = errors.New("resource manager name is empty or spans lines")
)

var (
	txnTimer       = metrics.NewTimer("xatm", "txn", "transaction timer", []string{"op", "ret"})
	branchTimer    = metrics.NewTimer("xatm", "branch", "branch call timer", []string{"rm", "op", "ret"})
	stateGauge     = metrics.NewGaugeVec("xatm", "txn", "state", "transactions", []string{"state"})
	outcomeCounter = metrics.NewCounterVec("xatm", "txn_outcome", "transaction outcomes", []string{"outcome"})
	recoverCounter = metrics.NewCounterVec("xatm", "recover_branch", "recovered branches", []string{"rm", "outcome"})
)

const DefaultMaxConcurrentBranch = 8

type Config struct {
	// Name : coordinator name encoded into every Xid
	Name  string
	Store store.TransactionStore
	// MaxConcurrentBranch : resource calls issued at once for one transaction
	MaxConcurrentBranch int
}

// Executor creates transactions and resolves in-doubt branches, the
// durable log is shared by all of them.
type Executor struct {
	cfg Config
}

func NewExecutor(cfg Config) *Executor {
	if cfg.MaxConcurrentBranch <= 0 {
		cfg.MaxConcurrentBranch = DefaultMaxConcurrentBranch
	}
	return &Executor{cfg: cfg}
}

func (ex *Executor) Name() string {
	return ex.cfg.Name
}

func (ex *Executor) Store() store.TransactionStore {
	return ex.cfg.Store
}

// Begin starts a transaction, its ACTIVE status is durable on return.
func (ex *Executor) Begin(ctx context.Context, timeout int) (txn *Transaction, err error) {
	defer func(timer func(...string)) {
		timer("begin", operator.Result(err))
	}(txnTimer.Timer())

	tid, err := ex.cfg.Store.NextTransactionId(ctx)
	if err != nil {
		return nil, err
	}
	log, err := ex.cfg.Store.Open(ctx, tid)
	if err != nil {
		return nil, err
	}
	if err = log.Save(ctx, define.TxnStatusActive); err != nil {
		log.Close()
		return nil, err
	}

	stateGauge.Inc("active")
	return &Transaction{
		ex:      ex,
		gid:     xa.NewGlobalId(ex.cfg.Name, tid),
		log:     log,
		status:  define.TxnStatusActive,
		timeout: timeout,
	}, nil
}

// RecoverBranch resolves a branch reported in doubt by resource : a logged
// commit decision commits it in one phase, anything else rolls it back.
// Only log failures are returned, a failed call is recorded and left for
// the next recovery.
func (ex *Executor) RecoverBranch(ctx context.Context, resource xa.Resource, gid xa.GlobalId) (err error) {
	rm := resource.ResourceManager()
	defer func(timer func(...string)) {
		timer(rm, "recover", operator.Result(err))
	}(branchTimer.Timer())

	committing, err := ex.cfg.Store.IsCommitting(ctx, gid)
	if err != nil {
		return err
	}
	log, err := ex.cfg.Store.Open(ctx, gid.TransactionId)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := log.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	xid := gid.Xid()
	logger := logutil.Logger(ctx).Sugar()
	if committing {
		if err = log.SaveBranch(ctx, define.TxnStatusCommitting, gid.BranchId, rm, nil); err != nil {
			return err
		}
		cerr := resource.Commit(ctx, xid, true)
		status := operator.If(cerr == nil, define.TxnStatusCommitted, define.TxnStatusCommitFailed)
		if cerr != nil {
			logger.Errorf("recover commit : xid(%s), rm(%s), error(%v)", gid, rm, cerr)
		}
		recoverCounter.Inc(rm, string(status))
		return log.SaveBranch(ctx, status, gid.BranchId, rm, cerr)
	}

	if err = log.SaveBranch(ctx, define.TxnStatusRollingBack, gid.BranchId, rm, nil); err != nil {
		return err
	}
	rerr := resource.Rollback(ctx, xid)
	status := operator.If(rolledBack(rerr), define.TxnStatusRolledBack, define.TxnStatusRollbackFailed)
	if status == define.TxnStatusRollbackFailed {
		logger.Errorf("recover rollback : xid(%s), rm(%s), error(%v)", gid, rm, rerr)
	}
	recoverCounter.Inc(rm, string(status))
	return log.SaveBranch(ctx, status, gid.BranchId, rm, rerr)
}

// rolledBack : a rollback that ended with the branch gone.
func rolledBack(err error) bool {
	if err == nil {
		return true
	}
	var xerr *xa.Error
	if errors.As(err, &xerr) {
		return xerr.Code.IsRollback() || xerr.Code == xa.ErNota
	}
	return false
}

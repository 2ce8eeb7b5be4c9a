package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/app/executor"
	"github.com/ikenchina/xatm/tc/store"
)

var (
	ErrNoContext          = errors.New("context has no transaction slot")
	ErrNoTransaction      = errors.New("no transaction")
	ErrTransactionActive  = errors.New("transaction is already active")
	ErrShutdown           = errors.New("coordinator is shut down")
	ErrSuspendUnsupported = errors.New("suspend and resume are not supported")
)

type Config struct {
	// UniqueName : encoded into every Xid, recovery only touches branches
	// carrying it. It must not change between restarts.
	UniqueName          string
	Store               store.TransactionStore
	MaxConcurrentBranch int
	// RecoveryRate : in-doubt branches resolved per second, 0 is unlimited
	RecoveryRate int
}

// Coordinator demarcates transactions for execution contexts created by
// NewContext and recovers in-doubt branches.
type Coordinator struct {
	cfg      Config
	executor *executor.Executor

	mutex    sync.RWMutex
	live     map[uint64]*executor.Transaction
	shutdown bool
	// drained is closed once shut down with no live transaction
	drained chan struct{}
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if len(cfg.UniqueName) == 0 {
		return nil, errors.New("unique name is empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("transaction store is nil")
	}
	return &Coordinator{
		cfg: cfg,
		executor: executor.NewExecutor(executor.Config{
			Name:                cfg.UniqueName,
			Store:               cfg.Store,
			MaxConcurrentBranch: cfg.MaxConcurrentBranch,
		}),
		live:    make(map[uint64]*executor.Transaction),
		drained: make(chan struct{}),
	}, nil
}

func (c *Coordinator) Name() string {
	return c.cfg.UniqueName
}

func (c *Coordinator) Store() store.TransactionStore {
	return c.cfg.Store
}

// Init removes the resolved logs left by a previous run.
func (c *Coordinator) Init(ctx context.Context) error {
	logutil.Logger(ctx).Sugar().Infof("init coordinator : name(%s)", c.cfg.UniqueName)
	return c.cfg.Store.Cleanup(ctx)
}

// Shutdown refuses new transactions. Active ones are reported and left
// to their callers, an unfinished one is rolled back by recovery.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	for tid, txn := range c.live {
		logutil.Logger(ctx).Sugar().Warnf("transaction still active on shutdown : tid(%d), status(%s)", tid, txn.Status())
	}
	if len(c.live) == 0 {
		close(c.drained)
	}
	return nil
}

// Drain waits until every transaction active at Shutdown has completed.
// It returns ctx's error when ctx ends first.
func (c *Coordinator) Drain(ctx context.Context) error {
	select {
	case <-c.drained:
		return nil
	case <-ctx.Done():
		c.mutex.RLock()
		active := len(c.live)
		c.mutex.RUnlock()
		logutil.Logger(ctx).Sugar().Warnf("drain : %d transactions still active, error(%v)", active, ctx.Err())
		return ctx.Err()
	}
}

func misuse(op string, err error) error {
	return define.NewError(define.KindProtocolMisuse, op, "", err)
}

// Begin starts a transaction in the slot of ctx.
func (c *Coordinator) Begin(ctx context.Context) (*executor.Transaction, error) {
	s := slotOf(ctx)
	if s == nil {
		return nil, misuse("begin", ErrNoContext)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.txn != nil {
		return nil, misuse("begin", ErrTransactionActive)
	}

	c.mutex.RLock()
	shutdown := c.shutdown
	c.mutex.RUnlock()
	if shutdown {
		return nil, misuse("begin", ErrShutdown)
	}

	txn, err := c.executor.Begin(ctx, s.timeout)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	if c.shutdown {
		c.mutex.Unlock()
		if err = txn.Rollback(ctx); err != nil {
			logutil.Logger(ctx).Sugar().Warnf("rollback on shutdown : gtid(%s), error(%v)", txn.GlobalId(), err)
		}
		return nil, misuse("begin", ErrShutdown)
	}
	c.live[txn.TransactionId()] = txn
	c.mutex.Unlock()

	txn.RegisterCompletionListener(func(t *executor.Transaction) {
		s.clear(t)
		c.mutex.Lock()
		delete(c.live, t.TransactionId())
		if c.shutdown && len(c.live) == 0 {
			close(c.drained)
		}
		c.mutex.Unlock()
	})
	s.txn = txn

	logutil.Logger(ctx).Sugar().Debugf("begin : gtid(%s), timeout(%d)", txn.GlobalId(), s.timeout)
	return txn, nil
}

func (c *Coordinator) current(ctx context.Context, op string) (*executor.Transaction, error) {
	s := slotOf(ctx)
	if s == nil {
		return nil, misuse(op, ErrNoContext)
	}
	txn := s.current()
	if txn == nil {
		return nil, misuse(op, ErrNoTransaction)
	}
	return txn, nil
}

func (c *Coordinator) Commit(ctx context.Context) error {
	txn, err := c.current(ctx, "commit")
	if err != nil {
		return err
	}
	return txn.Commit(ctx)
}

func (c *Coordinator) Rollback(ctx context.Context) error {
	txn, err := c.current(ctx, "rollback")
	if err != nil {
		return err
	}
	return txn.Rollback(ctx)
}

func (c *Coordinator) SetRollbackOnly(ctx context.Context) error {
	txn, err := c.current(ctx, "set rollback only")
	if err != nil {
		return err
	}
	return txn.SetRollbackOnly(ctx)
}

// SetTransactionTimeout sets the timeout in seconds of the active
// transaction and of those begun later in the same context, 0 restores
// the default.
func (c *Coordinator) SetTransactionTimeout(ctx context.Context, seconds int) error {
	s := slotOf(ctx)
	if s == nil {
		return misuse("set timeout", ErrNoContext)
	}
	if seconds < 0 {
		return misuse("set timeout", executor.ErrInvalidTimeout)
	}

	s.mutex.Lock()
	s.timeout = seconds
	txn := s.txn
	s.mutex.Unlock()

	if txn != nil {
		return txn.SetTransactionTimeout(ctx, seconds)
	}
	return nil
}

// GetStatus reports NO_TRANSACTION when ctx has no active transaction.
func (c *Coordinator) GetStatus(ctx context.Context) define.JtaStatus {
	s := slotOf(ctx)
	if s == nil {
		return define.JtaStatusNoTransaction
	}
	txn := s.current()
	if txn == nil {
		return define.JtaStatusNoTransaction
	}
	return txn.Status().Jta()
}

// GetTransaction returns the active transaction of ctx, nil if there is none.
func (c *Coordinator) GetTransaction(ctx context.Context) *executor.Transaction {
	s := slotOf(ctx)
	if s == nil {
		return nil
	}
	return s.current()
}

func (c *Coordinator) Suspend(ctx context.Context) (*executor.Transaction, error) {
	return nil, define.NewError(define.KindUnsupported, "suspend", "", ErrSuspendUnsupported)
}

func (c *Coordinator) Resume(ctx context.Context, txn *executor.Transaction) error {
	return define.NewError(define.KindUnsupported, "resume", "", ErrSuspendUnsupported)
}

// Active returns the transactions begun and not completed yet, by id.
func (c *Coordinator) Active() []*executor.Transaction {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	txns := make([]*executor.Transaction, 0, len(c.live))
	for _, txn := range c.live {
		txns = append(txns, txn)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].TransactionId() < txns[j].TransactionId() })
	return txns
}

func (c *Coordinator) isLive(transactionId uint64) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, ok := c.live[transactionId]
	return ok
}

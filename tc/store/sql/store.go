package sql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/metrics"
	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/tc/store"
	"github.com/ikenchina/xatm/xa"
)

var (
	sqlStoreTimer = metrics.NewTimer("xatm", "sql_store", "sql store timer", []string{"op", "ret"})
)

type Config struct {
	Dsn string
	// Name : coordinator name, several coordinators may share the tables
	Name               string
	MaxConnections     int
	MaxIdleConnections int
	Timeout            time.Duration
}

type sqlStore struct {
	mutex   sync.Mutex
	Db      *gorm.DB
	name    string
	timeout time.Duration
	handles map[uint64]*sqlTransaction
	closed  bool
}

// New connects to postgresql and creates the tables when they are missing.
func New(cfg Config) (store.TransactionStore, error) {
	if len(cfg.Name) == 0 {
		return nil, errors.New("coordinator name is empty")
	}
	db, err := gorm.Open(postgres.Open(cfg.Dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sdb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sdb.SetMaxOpenConns(cfg.MaxConnections)
	sdb.SetMaxIdleConns(cfg.MaxIdleConnections)

	if err = db.AutoMigrate(&TxnLog{}, &Sequence{}); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrate : %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &sqlStore{
		Db:      db,
		name:    cfg.Name,
		timeout: timeout,
		handles: make(map[uint64]*sqlTransaction),
	}, nil
}

func (ss *sqlStore) timeoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	_, ok := ctx.Deadline()
	if ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, ss.timeout)
}

func (ss *sqlStore) NextTransactionId(ctx context.Context) (id uint64, err error) {
	defer func(timer func(...string)) {
		timer("NextTransactionId", operator.Result(err))
	}(sqlStoreTimer.Timer())

	ctx, cancel := ss.timeoutContext(ctx)
	defer cancel()

	var value int64
	err = ss.Db.WithContext(ctx).Raw(
		"INSERT INTO xa_sequence (name, value) VALUES (?, 1) "+
			"ON CONFLICT (name) DO UPDATE SET value = xa_sequence.value + 1 RETURNING value",
		ss.name).Scan(&value).Error
	if err != nil {
		return 0, store.IOError("next transaction id", 0, err)
	}
	return uint64(value), nil
}

func (ss *sqlStore) load(ctx context.Context, transactionId uint64) (*store.Snapshot, bool, error) {
	ctx, cancel := ss.timeoutContext(ctx)
	defer cancel()

	logs := []*TxnLog{}
	err := ss.Db.WithContext(ctx).Model(&TxnLog{}).
		Where("coordinator = ? AND transaction_id = ?", ss.name, transactionId).
		Order("id ASC").Find(&logs).Error
	if err != nil {
		return nil, false, fmt.Errorf("db error : %v", err)
	}

	snapshot := store.NewSnapshot(transactionId)
	for _, l := range logs {
		r, err := l.record()
		if err != nil {
			return nil, false, fmt.Errorf("%w : record %d : %v", store.ErrCorrupt, l.Id, err)
		}
		snapshot.Apply(r)
	}
	return snapshot, len(logs) > 0, nil
}

func (ss *sqlStore) Open(ctx context.Context, transactionId uint64) (pt store.PersistentTransaction, err error) {
	defer func(timer func(...string)) {
		timer("Open", operator.Result(err))
	}(sqlStoreTimer.Timer())

	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	if ss.closed {
		return nil, store.IOError("open", transactionId, store.ErrClosed)
	}
	if st, ok := ss.handles[transactionId]; ok {
		st.refs++
		return &handle{st: st}, nil
	}

	snapshot, _, err := ss.load(ctx, transactionId)
	if err != nil {
		return nil, store.IOError("open", transactionId, err)
	}
	st := &sqlTransaction{
		ss:       ss,
		id:       transactionId,
		snapshot: snapshot,
		refs:     1,
	}
	ss.handles[transactionId] = st
	return &handle{st: st}, nil
}

func (ss *sqlStore) release(st *sqlTransaction) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	st.refs--
	if st.refs <= 0 && ss.handles[st.id] == st {
		delete(ss.handles, st.id)
	}
}

func (ss *sqlStore) detach(st *sqlTransaction) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	if ss.handles[st.id] == st {
		delete(ss.handles, st.id)
	}
}

func (ss *sqlStore) snapshot(ctx context.Context, transactionId uint64) (*store.Snapshot, bool, error) {
	ss.mutex.Lock()
	st, ok := ss.handles[transactionId]
	ss.mutex.Unlock()
	if ok {
		return st.Snapshot(), true, nil
	}
	return ss.load(ctx, transactionId)
}

func (ss *sqlStore) IsCommitting(ctx context.Context, gid xa.GlobalId) (committing bool, err error) {
	defer func(timer func(...string)) {
		timer("IsCommitting", operator.Result(err))
	}(sqlStoreTimer.Timer())

	snapshot, _, err := ss.snapshot(ctx, gid.TransactionId)
	if err != nil {
		return false, store.IOError("is committing", gid.TransactionId, err)
	}
	return snapshot.IsCommitting(gid), nil
}

func (ss *sqlStore) transactionIds(ctx context.Context) ([]uint64, error) {
	ctx, cancel := ss.timeoutContext(ctx)
	defer cancel()

	ids := []uint64{}
	err := ss.Db.WithContext(ctx).Model(&TxnLog{}).
		Where("coordinator = ?", ss.name).
		Distinct("transaction_id").Order("transaction_id ASC").
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("db error : %v", err)
	}
	return ids, nil
}

func (ss *sqlStore) Cleanup(ctx context.Context) (err error) {
	defer func(timer func(...string)) {
		timer("Cleanup", operator.Result(err))
	}(sqlStoreTimer.Timer())

	ids, err := ss.transactionIds(ctx)
	if err != nil {
		return store.IOError("cleanup", 0, err)
	}

	removed := []uint64{}
	for _, id := range ids {
		ss.mutex.Lock()
		_, open := ss.handles[id]
		ss.mutex.Unlock()
		if open {
			continue
		}
		snapshot, _, err := ss.load(ctx, id)
		if err != nil {
			logutil.Logger(ctx).Sugar().Errorf("cleanup transaction log : id(%d), error(%v)", id, err)
			continue
		}
		if snapshot.Resolved() {
			removed = append(removed, id)
		}
	}

	maxDeleteLimit := 20
	for len(removed) != 0 {
		dl := operator.If(len(removed) < maxDeleteLimit, len(removed), maxDeleteLimit)
		did := removed[:dl]
		removed = removed[dl:]
		if err = ss.delete(ctx, did...); err != nil {
			return store.IOError("cleanup", 0, err)
		}
	}
	return nil
}

func (ss *sqlStore) delete(ctx context.Context, transactionIds ...uint64) error {
	ctx, cancel := ss.timeoutContext(ctx)
	defer cancel()

	return ss.Db.WithContext(ctx).
		Where("coordinator = ? AND transaction_id IN ?", ss.name, transactionIds).
		Delete(&TxnLog{}).Error
}

func (ss *sqlStore) Get(ctx context.Context, transactionId uint64) (*store.Snapshot, error) {
	snapshot, exist, err := ss.snapshot(ctx, transactionId)
	if err != nil {
		return nil, store.IOError("get", transactionId, err)
	}
	if !exist {
		return nil, store.ErrNotExist
	}
	return snapshot, nil
}

func (ss *sqlStore) List(ctx context.Context) ([]*store.Snapshot, error) {
	ids, err := ss.transactionIds(ctx)
	if err != nil {
		return nil, store.IOError("list", 0, err)
	}
	snapshots := make([]*store.Snapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, _, err := ss.snapshot(ctx, id)
		if err != nil {
			return nil, store.IOError("list", id, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (ss *sqlStore) Close() error {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	for id, st := range ss.handles {
		logutil.Logger(context.Background()).Sugar().Warnf("transaction log still open on close : id(%d)", id)
		st.close()
	}
	ss.handles = make(map[uint64]*sqlTransaction)

	sdb, err := ss.Db.DB()
	if err != nil {
		return err
	}
	return sdb.Close()
}

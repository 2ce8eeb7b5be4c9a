package sql

import (
	"context"
	"sync"

	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
)

type sqlTransaction struct {
	mutex    sync.Mutex
	ss       *sqlStore
	id       uint64
	snapshot *store.Snapshot
	refs     int
	removed  bool
	closed   bool
}

// insert returns once postgresql committed the row.
func (st *sqlTransaction) insert(ctx context.Context, l *TxnLog) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.removed {
		return store.ErrRemoved
	}
	if st.closed {
		return store.ErrClosed
	}

	r, err := l.record()
	if err != nil {
		return err
	}
	ctx, cancel := st.ss.timeoutContext(ctx)
	defer cancel()
	if err = st.ss.Db.WithContext(ctx).Create(l).Error; err != nil {
		return err
	}
	st.snapshot.Apply(r)
	return nil
}

func (st *sqlTransaction) Snapshot() *store.Snapshot {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.snapshot.Copy()
}

func (st *sqlTransaction) remove(ctx context.Context) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	if st.removed {
		return nil
	}
	st.removed = true
	return st.ss.delete(ctx, st.id)
}

func (st *sqlTransaction) close() {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.closed = true
}

type handle struct {
	mutex  sync.Mutex
	st     *sqlTransaction
	closed bool
}

func (h *handle) TransactionId() uint64 {
	return h.st.id
}

func (h *handle) Save(ctx context.Context, status define.TxnStatus) error {
	return h.save(ctx, &TxnLog{Status: string(status)})
}

func (h *handle) SaveBranch(ctx context.Context, status define.TxnStatus, branchId uint32, resourceManager string, cause error) error {
	l := &TxnLog{
		BranchKey:       store.BranchKey(resourceManager, branchId),
		BranchId:        branchId,
		ResourceManager: resourceManager,
		Status:          string(status),
	}
	if cause != nil {
		l.Cause = cause.Error()
	}
	return h.save(ctx, l)
}

func (h *handle) save(ctx context.Context, l *TxnLog) (err error) {
	defer func(timer func(...string)) {
		timer("Save", operator.Result(err))
	}(sqlStoreTimer.Timer())

	h.mutex.Lock()
	closed := h.closed
	h.mutex.Unlock()
	if closed {
		return store.IOError("save", h.st.id, store.ErrClosed)
	}

	l.Coordinator = h.st.ss.name
	l.TransactionId = h.st.id
	if err = h.st.insert(ctx, l); err != nil {
		return store.IOError("save", h.st.id, err)
	}
	return nil
}

func (h *handle) Status() define.TxnStatus {
	h.st.mutex.Lock()
	defer h.st.mutex.Unlock()
	return h.st.snapshot.Status
}

func (h *handle) BranchStatus(branchId uint32, resourceManager string) define.TxnStatus {
	h.st.mutex.Lock()
	defer h.st.mutex.Unlock()
	return h.st.snapshot.Branches[store.BranchKey(resourceManager, branchId)]
}

func (h *handle) Snapshot() *store.Snapshot {
	return h.st.Snapshot()
}

func (h *handle) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.st.ss.release(h.st)
	return nil
}

func (h *handle) Remove() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return store.IOError("remove", h.st.id, store.ErrClosed)
	}
	h.closed = true
	h.st.ss.detach(h.st)
	err := h.st.remove(context.Background())
	h.st.ss.release(h.st)
	if err != nil {
		return store.IOError("remove", h.st.id, err)
	}
	return nil
}

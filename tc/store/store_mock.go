package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/xa"
)

// storeMock keeps the logs in memory. Records survive Close, so a reopen
// replays them like a restart would. A removed log keeps its records for
// Records but is gone for everything else.
type storeMock struct {
	sync.RWMutex
	lastId  uint64
	logs    map[uint64][]Record
	opened  map[uint64]int
	removed map[uint64]bool

	failSave func(transactionId uint64, r Record) error
}

// StoreMock is the in-memory store used by tests.
type StoreMock interface {
	TransactionStore
	// FailSave makes Save and SaveBranch fail when fn returns an error.
	FailSave(fn func(transactionId uint64, r Record) error)
	// Records returns everything written for a transaction, in order,
	// including the records of a removed log.
	Records(transactionId uint64) []Record
	Exists(transactionId uint64) bool
	Removed(transactionId uint64) bool
	// Put writes records as if a previous process had logged them.
	Put(transactionId uint64, records ...Record)
}

func NewStoreMock() StoreMock {
	return &storeMock{
		logs:    make(map[uint64][]Record),
		opened:  make(map[uint64]int),
		removed: make(map[uint64]bool),
	}
}

func (store *storeMock) FailSave(fn func(transactionId uint64, r Record) error) {
	store.Lock()
	defer store.Unlock()
	store.failSave = fn
}

func (store *storeMock) Records(transactionId uint64) []Record {
	store.RLock()
	defer store.RUnlock()
	records := make([]Record, len(store.logs[transactionId]))
	copy(records, store.logs[transactionId])
	return records
}

func (store *storeMock) Exists(transactionId uint64) bool {
	store.RLock()
	defer store.RUnlock()
	return store.existsLocked(transactionId)
}

func (store *storeMock) existsLocked(transactionId uint64) bool {
	_, ok := store.logs[transactionId]
	return ok && !store.removed[transactionId]
}

func (store *storeMock) Removed(transactionId uint64) bool {
	store.RLock()
	defer store.RUnlock()
	return store.removed[transactionId]
}

func (store *storeMock) Put(transactionId uint64, records ...Record) {
	store.Lock()
	defer store.Unlock()
	store.resetRemovedLocked(transactionId)
	store.logs[transactionId] = append(store.logs[transactionId], records...)
	if transactionId > store.lastId {
		store.lastId = transactionId
	}
}

func (store *storeMock) NextTransactionId(ctx context.Context) (uint64, error) {
	store.Lock()
	defer store.Unlock()
	store.lastId++
	return store.lastId, nil
}

func (store *storeMock) Open(ctx context.Context, transactionId uint64) (PersistentTransaction, error) {
	store.Lock()
	defer store.Unlock()
	store.resetRemovedLocked(transactionId)
	if _, ok := store.logs[transactionId]; !ok {
		store.logs[transactionId] = []Record{}
	}
	store.opened[transactionId]++
	return &mockTransaction{
		store:    store,
		id:       transactionId,
		snapshot: store.snapshotLocked(transactionId),
	}, nil
}

func (store *storeMock) IsCommitting(ctx context.Context, gid xa.GlobalId) (bool, error) {
	store.RLock()
	defer store.RUnlock()
	if !store.existsLocked(gid.TransactionId) {
		return false, nil
	}
	return store.snapshotLocked(gid.TransactionId).IsCommitting(gid), nil
}

func (store *storeMock) Cleanup(ctx context.Context) error {
	store.Lock()
	defer store.Unlock()
	for tid := range store.logs {
		if store.opened[tid] > 0 || store.removed[tid] {
			continue
		}
		if store.snapshotLocked(tid).Resolved() {
			store.removed[tid] = true
		}
	}
	return nil
}

func (store *storeMock) Get(ctx context.Context, transactionId uint64) (*Snapshot, error) {
	store.RLock()
	defer store.RUnlock()
	if !store.existsLocked(transactionId) {
		return nil, ErrNotExist
	}
	return store.snapshotLocked(transactionId), nil
}

func (store *storeMock) List(ctx context.Context) ([]*Snapshot, error) {
	store.RLock()
	defer store.RUnlock()
	snapshots := make([]*Snapshot, 0, len(store.logs))
	for tid := range store.logs {
		if store.removed[tid] {
			continue
		}
		snapshots = append(snapshots, store.snapshotLocked(tid))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].TransactionId < snapshots[j].TransactionId
	})
	return snapshots, nil
}

func (store *storeMock) Close() error {
	return nil
}

func (store *storeMock) snapshotLocked(transactionId uint64) *Snapshot {
	snapshot := NewSnapshot(transactionId)
	for _, r := range store.logs[transactionId] {
		snapshot.Apply(r)
	}
	return snapshot
}

func (store *storeMock) append(transactionId uint64, r Record) error {
	store.Lock()
	defer store.Unlock()
	if store.failSave != nil {
		if err := store.failSave(transactionId, r); err != nil {
			return IOError("save", transactionId, err)
		}
	}
	if store.removed[transactionId] {
		return IOError("save", transactionId, ErrRemoved)
	}
	store.logs[transactionId] = append(store.logs[transactionId], r)
	return nil
}

func (store *storeMock) release(transactionId uint64, remove bool) {
	store.Lock()
	defer store.Unlock()
	if store.opened[transactionId] > 0 {
		store.opened[transactionId]--
	}
	if store.opened[transactionId] == 0 {
		delete(store.opened, transactionId)
	}
	if remove {
		store.removed[transactionId] = true
	}
}

// resetRemovedLocked makes a removed id start over with an empty log.
func (store *storeMock) resetRemovedLocked(transactionId uint64) {
	if store.removed[transactionId] {
		delete(store.removed, transactionId)
		delete(store.logs, transactionId)
	}
}

type mockTransaction struct {
	sync.Mutex
	store    *storeMock
	id       uint64
	snapshot *Snapshot
	closed   bool
}

func (mt *mockTransaction) TransactionId() uint64 {
	return mt.id
}

func (mt *mockTransaction) Save(ctx context.Context, status define.TxnStatus) error {
	return mt.save(Record{Status: status})
}

func (mt *mockTransaction) SaveBranch(ctx context.Context, status define.TxnStatus, branchId uint32, resourceManager string, cause error) error {
	return mt.save(Record{BranchKey: BranchKey(resourceManager, branchId), Status: status})
}

func (mt *mockTransaction) save(r Record) error {
	mt.Lock()
	defer mt.Unlock()
	if mt.closed {
		return IOError("save", mt.id, ErrClosed)
	}
	if err := mt.store.append(mt.id, r); err != nil {
		return err
	}
	mt.snapshot.Apply(r)
	return nil
}

func (mt *mockTransaction) Status() define.TxnStatus {
	mt.Lock()
	defer mt.Unlock()
	return mt.snapshot.Status
}

func (mt *mockTransaction) BranchStatus(branchId uint32, resourceManager string) define.TxnStatus {
	mt.Lock()
	defer mt.Unlock()
	return mt.snapshot.Branches[BranchKey(resourceManager, branchId)]
}

func (mt *mockTransaction) Snapshot() *Snapshot {
	mt.Lock()
	defer mt.Unlock()
	return mt.snapshot.Copy()
}

func (mt *mockTransaction) Close() error {
	mt.Lock()
	defer mt.Unlock()
	if mt.closed {
		return nil
	}
	mt.closed = true
	mt.store.release(mt.id, false)
	return nil
}

func (mt *mockTransaction) Remove() error {
	mt.Lock()
	defer mt.Unlock()
	if mt.closed {
		return ErrClosed
	}
	mt.closed = true
	mt.store.release(mt.id, true)
	return nil
}

package file

import (
	"context"
	"io"
	"os"
	"sync"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
)

// fileTransaction is shared by every handle opened on the same transaction.
type fileTransaction struct {
	mutex    sync.Mutex
	fs       *fileStore
	id       uint64
	path     string
	file     *os.File
	snapshot *store.Snapshot
	refs     int
	removed  bool
}

func openTransaction(fs *fileStore, transactionId uint64) (*fileTransaction, error) {
	path := fs.path(transactionId)
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	snapshot, valid, err := replay(transactionId, data)
	if err != nil {
		f.Close()
		return nil, err
	}
	if valid < int64(len(data)) {
		// drop the torn tail so the next record starts on a clean line
		logutil.Logger(context.Background()).Sugar().Warnf("truncate torn record : id(%d), offset(%d), size(%d)",
			transactionId, valid, len(data))
		if err = f.Truncate(valid); err != nil {
			f.Close()
			return nil, err
		}
		if err = fdatasync(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	if created {
		if err = syncDir(fs.dir); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &fileTransaction{
		fs:       fs,
		id:       transactionId,
		path:     path,
		file:     f,
		snapshot: snapshot,
		refs:     1,
	}, nil
}

func (ft *fileTransaction) append(r store.Record) error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	if ft.removed {
		return store.ErrRemoved
	}
	if ft.file == nil {
		return store.ErrClosed
	}
	if _, err := ft.file.Write(encodeRecord(r)); err != nil {
		return err
	}
	if err := fdatasync(ft.file); err != nil {
		return err
	}
	ft.snapshot.Apply(r)
	return nil
}

func (ft *fileTransaction) Snapshot() *store.Snapshot {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.snapshot.Copy()
}

func (ft *fileTransaction) remove() error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	if ft.removed {
		return nil
	}
	ft.removed = true
	if err := os.Remove(ft.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return syncDir(ft.fs.dir)
}

// close is called with the store mutex held.
func (ft *fileTransaction) close() error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	if ft.file == nil {
		return nil
	}
	err := ft.file.Close()
	ft.file = nil
	return err
}

// handle is what Open returns, closing it releases one reference.
type handle struct {
	mutex  sync.Mutex
	ft     *fileTransaction
	closed bool
}

func (h *handle) TransactionId() uint64 {
	return h.ft.id
}

func (h *handle) Save(ctx context.Context, status define.TxnStatus) error {
	return h.save(ctx, store.Record{Status: status})
}

func (h *handle) SaveBranch(ctx context.Context, status define.TxnStatus, branchId uint32, resourceManager string, cause error) error {
	if cause != nil {
		logutil.Logger(ctx).Sugar().Debugf("branch status : id(%d), branch(%s), status(%s), cause(%v)",
			h.ft.id, store.BranchKey(resourceManager, branchId), status, cause)
	}
	return h.save(ctx, store.Record{BranchKey: store.BranchKey(resourceManager, branchId), Status: status})
}

func (h *handle) save(ctx context.Context, r store.Record) (err error) {
	timer := fileStoreTimer.Timer()
	defer func() { timer("Save", operator.Result(err)) }()

	h.mutex.Lock()
	closed := h.closed
	h.mutex.Unlock()
	if closed {
		return store.IOError("save", h.ft.id, store.ErrClosed)
	}
	if err = h.ft.append(r); err != nil {
		return store.IOError("save", h.ft.id, err)
	}
	return nil
}

func (h *handle) Status() define.TxnStatus {
	h.ft.mutex.Lock()
	defer h.ft.mutex.Unlock()
	return h.ft.snapshot.Status
}

func (h *handle) BranchStatus(branchId uint32, resourceManager string) define.TxnStatus {
	h.ft.mutex.Lock()
	defer h.ft.mutex.Unlock()
	return h.ft.snapshot.Branches[store.BranchKey(resourceManager, branchId)]
}

func (h *handle) Snapshot() *store.Snapshot {
	return h.ft.Snapshot()
}

func (h *handle) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.ft.fs.release(h.ft); err != nil {
		return store.IOError("close", h.ft.id, err)
	}
	return nil
}

// Remove deletes the log, other handles on the transaction fail on their next save.
func (h *handle) Remove() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return store.IOError("remove", h.ft.id, store.ErrClosed)
	}
	h.closed = true
	h.ft.fs.detach(h.ft)
	err := h.ft.remove()
	if rerr := h.ft.fs.release(h.ft); err == nil {
		err = rerr
	}
	if err != nil {
		return store.IOError("remove", h.ft.id, err)
	}
	return nil
}

package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ikenchina/xatm/common/idgenerator"
	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/metrics"
	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/tc/store"
	"github.com/ikenchina/xatm/xa"
)

const (
	Prefix = "trans-"
	Suffix = ".log"

	SequenceFile = "transactions.seq"
	LockFile     = ".lock"

	DefaultCacheSize = 1024
)

var (
	ErrLocked = errors.New("log directory is used by another process")
)

var (
	fileStoreTimer = metrics.NewTimer("xatm", "file_store", "file store timer", []string{"op", "ret"})
)

type Config struct {
	Dir string
	// SequenceBatch : transaction ids reserved per durable write of the sequence file
	SequenceBatch int
	// CacheSize : commit decisions remembered for recovery
	CacheSize int
}

type fileStore struct {
	mutex    sync.Mutex
	dir      string
	seq      idgenerator.IdGenerator
	lock     *os.File
	handles  map[uint64]*fileTransaction
	decision *lru.Cache
	closed   bool
}

// New opens the log directory, creating it when needed. The directory is
// locked for the lifetime of the store.
func New(cfg Config) (store.TransactionStore, error) {
	if len(cfg.Dir) == 0 {
		return nil, errors.New("log directory is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %s : %w", cfg.Dir, err)
	}

	lock, err := os.OpenFile(filepath.Join(cfg.Dir, LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file : %w", err)
	}
	if err = lockFile(lock); err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w : %s : %v", ErrLocked, cfg.Dir, err)
	}

	seq, err := idgenerator.NewFileSequence(filepath.Join(cfg.Dir, SequenceFile), cfg.SequenceBatch)
	if err != nil {
		_ = unlockFile(lock)
		lock.Close()
		return nil, err
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		_ = unlockFile(lock)
		lock.Close()
		return nil, err
	}

	return &fileStore{
		dir:      cfg.Dir,
		seq:      seq,
		lock:     lock,
		handles:  make(map[uint64]*fileTransaction),
		decision: cache,
	}, nil
}

func (fs *fileStore) path(transactionId uint64) string {
	return filepath.Join(fs.dir, Prefix+strconv.FormatUint(transactionId, 10)+Suffix)
}

func (fs *fileStore) NextTransactionId(ctx context.Context) (id uint64, err error) {
	timer := fileStoreTimer.Timer()
	defer func() { timer("NextTransactionId", operator.Result(err)) }()

	id, err = fs.seq.NextId()
	if err != nil {
		return 0, store.IOError("next transaction id", 0, err)
	}
	return id, nil
}

func (fs *fileStore) Open(ctx context.Context, transactionId uint64) (pt store.PersistentTransaction, err error) {
	timer := fileStoreTimer.Timer()
	defer func() { timer("Open", operator.Result(err)) }()

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if fs.closed {
		return nil, store.IOError("open", transactionId, store.ErrClosed)
	}
	if ft, ok := fs.handles[transactionId]; ok {
		ft.refs++
		return &handle{ft: ft}, nil
	}

	ft, err := openTransaction(fs, transactionId)
	if err != nil {
		return nil, store.IOError("open", transactionId, err)
	}
	fs.handles[transactionId] = ft
	return &handle{ft: ft}, nil
}

// release drops one reference, the file is closed with the last one.
func (fs *fileStore) release(ft *fileTransaction) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	ft.refs--
	if ft.refs > 0 {
		return nil
	}
	if fs.handles[ft.id] == ft {
		delete(fs.handles, ft.id)
	}
	return ft.close()
}

// detach makes the next Open of the transaction start a new log.
func (fs *fileStore) detach(ft *fileTransaction) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.handles[ft.id] == ft {
		delete(fs.handles, ft.id)
	}
}

func (fs *fileStore) IsCommitting(ctx context.Context, gid xa.GlobalId) (committing bool, err error) {
	timer := fileStoreTimer.Timer()
	defer func() { timer("IsCommitting", operator.Result(err)) }()

	if _, ok := fs.decision.Get(gid.TransactionId); ok {
		return true, nil
	}

	snapshot, err := fs.snapshot(gid.TransactionId)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return false, nil
		}
		return false, store.IOError("is committing", gid.TransactionId, err)
	}
	if snapshot.Status.CommitDecided() {
		// a global decision never changes
		fs.decision.Add(gid.TransactionId, true)
	}
	return snapshot.IsCommitting(gid), nil
}

// snapshot returns the state of an open transaction from memory, otherwise from disk.
func (fs *fileStore) snapshot(transactionId uint64) (*store.Snapshot, error) {
	fs.mutex.Lock()
	ft, ok := fs.handles[transactionId]
	fs.mutex.Unlock()
	if ok {
		return ft.Snapshot(), nil
	}
	return readSnapshot(fs.path(transactionId), transactionId)
}

func readSnapshot(path string, transactionId uint64) (*store.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotExist
		}
		return nil, err
	}
	snapshot, _, err := replay(transactionId, data)
	return snapshot, err
}

func (fs *fileStore) transactionIds() ([]uint64, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, Prefix) || !strings.HasSuffix(name, Suffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, Prefix), Suffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (fs *fileStore) Cleanup(ctx context.Context) (err error) {
	timer := fileStoreTimer.Timer()
	defer func() { timer("Cleanup", operator.Result(err)) }()

	ids, err := fs.transactionIds()
	if err != nil {
		return store.IOError("cleanup", 0, err)
	}

	removed := 0
	for _, id := range ids {
		ok, err := fs.cleanupOne(id)
		if err != nil {
			// a corrupt log is kept for inspection
			logutil.Logger(ctx).Sugar().Errorf("cleanup transaction log : id(%d), error(%v)", id, err)
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		if err = syncDir(fs.dir); err != nil {
			return store.IOError("cleanup", 0, err)
		}
	}
	logutil.Logger(ctx).Sugar().Infof("cleanup transaction logs : found(%d), removed(%d)", len(ids), removed)
	return nil
}

func (fs *fileStore) cleanupOne(transactionId uint64) (bool, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if _, open := fs.handles[transactionId]; open {
		return false, nil
	}
	path := fs.path(transactionId)
	snapshot, err := readSnapshot(path, transactionId)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !snapshot.Resolved() {
		return false, nil
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

func (fs *fileStore) Get(ctx context.Context, transactionId uint64) (*store.Snapshot, error) {
	snapshot, err := fs.snapshot(transactionId)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, store.ErrNotExist
		}
		return nil, store.IOError("get", transactionId, err)
	}
	return snapshot, nil
}

func (fs *fileStore) List(ctx context.Context) ([]*store.Snapshot, error) {
	ids, err := fs.transactionIds()
	if err != nil {
		return nil, store.IOError("list", 0, err)
	}
	snapshots := make([]*store.Snapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := fs.snapshot(id)
		if err != nil {
			if errors.Is(err, store.ErrNotExist) {
				continue
			}
			return nil, store.IOError("list", id, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (fs *fileStore) Close() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true

	for id, ft := range fs.handles {
		logutil.Logger(context.Background()).Sugar().Warnf("transaction log still open on close : id(%d)", id)
		_ = ft.close()
	}
	fs.handles = make(map[uint64]*fileTransaction)

	err := fs.seq.Close()
	if uerr := unlockFile(fs.lock); err == nil {
		err = uerr
	}
	if cerr := fs.lock.Close(); err == nil {
		err = cerr
	}
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return fdatasync(d)
}

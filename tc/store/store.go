package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/xa"
)

var (
	ErrNotExist = errors.New("transaction log not exist")
	ErrClosed   = errors.New("transaction store is closed")
	ErrRemoved  = errors.New("transaction log is removed")
	ErrCorrupt  = errors.New("transaction log is corrupt")
)

// TransactionStore is the durable log of the coordinator.
type TransactionStore interface {
	// NextTransactionId never returns the same id twice, restarts included.
	NextTransactionId(ctx context.Context) (uint64, error)

	// Open creates the log of a transaction or replays the existing one.
	Open(ctx context.Context, transactionId uint64) (PersistentTransaction, error)

	// IsCommitting reports whether a commit decision was logged for the
	// transaction or for the branch named by gid.
	IsCommitting(ctx context.Context, gid xa.GlobalId) (bool, error)

	// Cleanup removes the resolved logs that are not open.
	Cleanup(ctx context.Context) error

	// query
	Get(ctx context.Context, transactionId uint64) (*Snapshot, error)
	List(ctx context.Context) ([]*Snapshot, error)

	Close() error
}

// PersistentTransaction is the log of one transaction. A Save returns after
// the record is durable.
type PersistentTransaction interface {
	TransactionId() uint64

	Save(ctx context.Context, status define.TxnStatus) error
	SaveBranch(ctx context.Context, status define.TxnStatus, branchId uint32, resourceManager string, cause error) error

	Status() define.TxnStatus
	BranchStatus(branchId uint32, resourceManager string) define.TxnStatus
	Snapshot() *Snapshot

	Close() error
	// Remove deletes the log.
	Remove() error
}

// IOError wraps a storage failure.
func IOError(op string, transactionId uint64, err error) error {
	gtid := ""
	if transactionId != 0 {
		gtid = strconv.FormatUint(transactionId, 10)
	}
	return define.NewError(define.KindLogIO, op, gtid, err)
}

func BranchKey(resourceManager string, branchId uint32) string {
	return resourceManager + "-" + strconv.FormatUint(uint64(branchId), 10)
}

// ParseBranchKey splits on the last '-', resource manager names may contain one.
func ParseBranchKey(key string) (string, uint32, error) {
	idx := strings.LastIndexByte(key, '-')
	if idx == -1 {
		return "", 0, fmt.Errorf("invalid branch key %q", key)
	}
	bid, err := strconv.ParseUint(key[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid branch key %q : %v", key, err)
	}
	return key[:idx], uint32(bid), nil
}

// Record is one log entry. An empty BranchKey is a global status.
type Record struct {
	BranchKey string
	Status    define.TxnStatus
}

type Snapshot struct {
	TransactionId uint64                      `json:"transaction_id"`
	Status        define.TxnStatus            `json:"status,omitempty"`
	Branches      map[string]define.TxnStatus `json:"branches"`
}

func NewSnapshot(transactionId uint64) *Snapshot {
	return &Snapshot{
		TransactionId: transactionId,
		Branches:      make(map[string]define.TxnStatus),
	}
}

// Apply replays a record, the last record of a key wins.
func (s *Snapshot) Apply(r Record) {
	if len(r.BranchKey) == 0 {
		s.Status = r.Status
		return
	}
	s.Branches[r.BranchKey] = r.Status
}

func (s *Snapshot) Copy() *Snapshot {
	c := NewSnapshot(s.TransactionId)
	c.Status = s.Status
	for k, v := range s.Branches {
		c.Branches[k] = v
	}
	return c
}

// BranchKeys returns the branch keys in a stable order.
func (s *Snapshot) BranchKeys() []string {
	keys := make([]string, 0, len(s.Branches))
	for k := range s.Branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsCommitting : the global status or the status of branch bid shows a commit decision.
func (s *Snapshot) IsCommitting(gid xa.GlobalId) bool {
	if s.Status.CommitDecided() {
		return true
	}
	if !gid.IsBranch() {
		return false
	}
	for key, status := range s.Branches {
		_, bid, err := ParseBranchKey(key)
		if err != nil || bid != gid.BranchId {
			continue
		}
		if status.CommitDecided() {
			return true
		}
	}
	return false
}

// Resolved reports whether the log can be removed :
//    every branch is committed or rolled back, or
//    no commit decision was logged and no rollback failed (presumed abort).
func (s *Snapshot) Resolved() bool {
	allCompleted := true
	decided := s.Status.CommitDecided()
	rollbackFailed := false
	for _, status := range s.Branches {
		if !status.Completed() {
			allCompleted = false
		}
		if status.CommitDecided() {
			decided = true
		}
		if status == define.TxnStatusRollbackFailed {
			rollbackFailed = true
		}
	}
	if allCompleted {
		return true
	}
	return !decided && !rollbackFailed
}

package define

import (
	"fmt"
)

// TxnStatus is the status of a global transaction or of one of its branches.
type TxnStatus string

const (
	TxnStatusActive         TxnStatus = "ACTIVE"
	TxnStatusMarkedRollback TxnStatus = "MARKED_ROLLBACK"
	TxnStatusPreparing      TxnStatus = "PREPARING"
	TxnStatusPrepared       TxnStatus = "PREPARED"
	TxnStatusCommitting     TxnStatus = "COMMITTING"
	TxnStatusCommitted      TxnStatus = "COMMITTED"
	TxnStatusCommitFailed   TxnStatus = "COMMIT_FAILED"
	TxnStatusRollingBack    TxnStatus = "ROLLING_BACK"
	TxnStatusRolledBack     TxnStatus = "ROLLED_BACK"
	TxnStatusRollbackFailed TxnStatus = "ROLLBACK_FAILED"
)

var allTxnStatus = []TxnStatus{
	TxnStatusActive,
	TxnStatusMarkedRollback,
	TxnStatusPreparing,
	TxnStatusPrepared,
	TxnStatusCommitting,
	TxnStatusCommitted,
	TxnStatusCommitFailed,
	TxnStatusRollingBack,
	TxnStatusRolledBack,
	TxnStatusRollbackFailed,
}

func ParseTxnStatus(s string) (TxnStatus, error) {
	for _, st := range allTxnStatus {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

func (s TxnStatus) String() string {
	return string(s)
}

// Completed reports a successful end state.
func (s TxnStatus) Completed() bool {
	return s == TxnStatusCommitted || s == TxnStatusRolledBack
}

// Failed reports an end state that is left for recovery.
func (s TxnStatus) Failed() bool {
	return s == TxnStatusCommitFailed || s == TxnStatusRollbackFailed
}

func (s TxnStatus) Terminal() bool {
	return s.Completed() || s.Failed()
}

// CommitDecided reports whether the status can only be reached after the
// coordinator decided to commit.
func (s TxnStatus) CommitDecided() bool {
	return s == TxnStatusCommitting || s == TxnStatusCommitted || s == TxnStatusCommitFailed
}

// JtaStatus is the status enumeration reported to callers of the coordinator.
type JtaStatus int

const (
	JtaStatusActive JtaStatus = iota
	JtaStatusMarkedRollback
	JtaStatusPrepared
	JtaStatusCommitted
	JtaStatusRolledBack
	JtaStatusUnknown
	JtaStatusNoTransaction
	JtaStatusPreparing
	JtaStatusCommitting
	JtaStatusRollingBack
)

var jtaStatusNames = map[JtaStatus]string{
	JtaStatusActive:         "ACTIVE",
	JtaStatusMarkedRollback: "MARKED_ROLLBACK",
	JtaStatusPrepared:       "PREPARED",
	JtaStatusCommitted:      "COMMITTED",
	JtaStatusRolledBack:     "ROLLED_BACK",
	JtaStatusUnknown:        "UNKNOWN",
	JtaStatusNoTransaction:  "NO_TRANSACTION",
	JtaStatusPreparing:      "PREPARING",
	JtaStatusCommitting:     "COMMITTING",
	JtaStatusRollingBack:    "ROLLING_BACK",
}

func (s JtaStatus) String() string {
	if name, ok := jtaStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Jta maps a transaction status onto the caller facing enumeration.
// Failure states have no counterpart and are reported as unknown.
func (s TxnStatus) Jta() JtaStatus {
	switch s {
	case TxnStatusActive:
		return JtaStatusActive
	case TxnStatusMarkedRollback:
		return JtaStatusMarkedRollback
	case TxnStatusPreparing:
		return JtaStatusPreparing
	case TxnStatusPrepared:
		return JtaStatusPrepared
	case TxnStatusCommitting:
		return JtaStatusCommitting
	case TxnStatusCommitted:
		return JtaStatusCommitted
	case TxnStatusRollingBack:
		return JtaStatusRollingBack
	case TxnStatusRolledBack:
		return JtaStatusRolledBack
	}
	return JtaStatusUnknown
}

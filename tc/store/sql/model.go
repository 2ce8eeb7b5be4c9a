package sql

import (
	"time"

	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
)

// TxnLog is one record of a transaction log, an empty BranchKey is a global status.
type TxnLog struct {
	Id              int64  `gorm:"primaryKey"`
	Coordinator     string `gorm:"size:64;index:idx_xa_txn_log_tid,priority:1"`
	TransactionId   uint64 `gorm:"index:idx_xa_txn_log_tid,priority:2"`
	BranchKey       string `gorm:"size:256"`
	BranchId        uint32
	ResourceManager string `gorm:"size:256"`
	Status          string `gorm:"size:32"`
	Cause           string
	CreatedTime     time.Time `gorm:"autoCreateTime"`
}

func (*TxnLog) TableName() string {
	return "xa_txn_log"
}

func (l *TxnLog) record() (store.Record, error) {
	status, err := define.ParseTxnStatus(l.Status)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{BranchKey: l.BranchKey, Status: status}, nil
}

type Sequence struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64
}

func (*Sequence) TableName() string {
	return "xa_sequence"
}

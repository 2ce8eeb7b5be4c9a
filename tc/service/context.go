package service

import (
	"context"
	"sync"

	"github.com/ikenchina/xatm/tc/app/executor"
)

type ctxKeyType int

const ctxSlotKey ctxKeyType = iota

// slot holds the transaction of one execution context.
type slot struct {
	mutex   sync.Mutex
	timeout int
	txn     *executor.Transaction
}

// NewContext returns a context carrying an empty transaction slot. Every
// coordinator call made with it, or a context derived from it, shares the
// slot; independent callers need their own.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxSlotKey, &slot{})
}

func slotOf(ctx context.Context) *slot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxSlotKey).(*slot)
	return s
}

func (s *slot) current() *executor.Transaction {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.txn
}

// clear empties the slot if it still holds txn.
func (s *slot) clear(txn *executor.Transaction) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.txn == txn {
		s.txn = nil
	}
}

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/tc/store"
	"github.com/ikenchina/xatm/xa"
)

func TestRecoverySuite(t *testing.T) {
	suite.Run(t, new(_recoverySuite))
}

type _recoverySuite struct {
	suite.Suite
	ctx   context.Context
	store store.StoreMock
	tm    *Coordinator
}

func (s *_recoverySuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewStoreMock()
	tm, err := NewCoordinator(Config{
		UniqueName: "tm-test",
		Store:      s.store,
	})
	s.Require().Nil(err)
	s.tm = tm
}

func branch(tid uint64, bid uint32) xa.GlobalId {
	return xa.NewGlobalId("tm-test", tid).Branch(bid)
}

func rec(key string, status define.TxnStatus) store.Record {
	return store.Record{BranchKey: key, Status: status}
}

func (s *_recoverySuite) TestCommitDecided() {
	s.store.Put(5,
		rec("", define.TxnStatusActive),
		rec("A-1", define.TxnStatusPrepared),
		rec("B-2", define.TxnStatusPrepared),
		rec("", define.TxnStatusCommitting))

	a, b := xa.NewResourceMock("A"), xa.NewResourceMock("B")
	a.AddInDoubt(branch(5, 1).Xid())
	b.AddInDoubt(branch(5, 2).Xid())

	s.Nil(s.tm.Recover(s.ctx, a))
	calls := a.Calls()
	s.Equal(2, len(calls))
	s.Equal(xa.OpCommit, calls[1].Op)
	s.True(calls[1].OnePhase)
	s.Empty(a.InDoubt())
	s.True(s.store.Exists(5))

	s.Nil(s.tm.Recover(s.ctx, b))
	s.Equal(1, b.CallCount(xa.OpCommit))
	s.Empty(b.InDoubt())
	s.True(s.store.Removed(5))
}

func (s *_recoverySuite) TestPresumedAbort() {
	// prepared then crashed before the decision
	s.store.Put(6,
		rec("", define.TxnStatusPreparing),
		rec("A-1", define.TxnStatusPrepared))
	a := xa.NewResourceMock("A")
	a.AddInDoubt(branch(6, 1).Xid())
	// no log at all
	a.AddInDoubt(branch(7, 1).Xid())

	s.Nil(s.tm.Recover(s.ctx, a))
	s.Equal(2, a.CallCount(xa.OpRollback))
	s.Equal(0, a.CallCount(xa.OpCommit))
	s.Empty(a.InDoubt())
	s.True(s.store.Removed(6))
	s.True(s.store.Removed(7))
}

func (s *_recoverySuite) TestBranchCommitDecided() {
	// the global decision was lost, a branch record still shows it
	s.store.Put(8,
		rec("", define.TxnStatusPreparing),
		rec("A-1", define.TxnStatusCommitting))
	a := xa.NewResourceMock("A")
	a.AddInDoubt(branch(8, 1).Xid())

	s.Nil(s.tm.Recover(s.ctx, a))
	s.Equal(1, a.CallCount(xa.OpCommit))
	s.True(s.store.Removed(8))
}

func (s *_recoverySuite) TestResourceFailure() {
	s.store.Put(9,
		rec("", define.TxnStatusCommitting),
		rec("A-1", define.TxnStatusPrepared))
	a := xa.NewResourceMock("A")
	a.AddInDoubt(branch(9, 1).Xid())
	a.OnCommit(func(xa.Xid, bool) error { return xa.NewError(xa.ErRmFail, "down") })

	s.Nil(s.tm.Recover(s.ctx, a))
	s.Equal(1, len(a.InDoubt()))
	s.True(s.store.Exists(9))
	s.Equal(define.TxnStatusCommitFailed, s.store.Records(9)[3].Status)

	// next run succeeds
	a.OnCommit(nil)
	s.Nil(s.tm.Recover(s.ctx, a))
	s.Empty(a.InDoubt())
	s.True(s.store.Removed(9))
}

func (s *_recoverySuite) TestRollbackFailureKept() {
	a := xa.NewResourceMock("A")
	a.AddInDoubt(branch(10, 1).Xid())
	a.OnRollback(func(xa.Xid) error { return xa.NewError(xa.ErRmErr, "busy") })

	s.Nil(s.tm.Recover(s.ctx, a))
	s.True(s.store.Exists(10))

	a.OnRollback(func(xa.Xid) error { return xa.NewError(xa.ErNota, "gone") })
	s.Nil(s.tm.Recover(s.ctx, a))
	s.True(s.store.Removed(10))
}

func (s *_recoverySuite) TestForeignXids() {
	a := xa.NewResourceMock("A")
	foreign := xa.NewGlobalId("tm-other", 5).Branch(1).Xid()
	malformed := xa.Xid{FormatId: 1, GlobalTransactionId: []byte("gtrid"), BranchQualifier: []byte("b")}
	a.AddInDoubt(foreign)
	a.AddInDoubt(malformed)

	s.Nil(s.tm.Recover(s.ctx, a))
	s.Equal(0, a.CallCount(xa.OpCommit))
	s.Equal(0, a.CallCount(xa.OpRollback))
	s.Equal(2, len(a.InDoubt()))
}

func (s *_recoverySuite) TestScanFailure() {
	s.store.Put(11, rec("", define.TxnStatusActive))
	a := xa.NewResourceMock("A")
	a.OnRecover(func() ([]xa.Xid, error) { return nil, xa.NewError(xa.ErRmFail, "down") })

	s.Nil(s.tm.Recover(s.ctx, a))
	// cleanup still ran
	s.True(s.store.Removed(11))
}

func (s *_recoverySuite) TestLiveTransactionSkipped() {
	ctx := NewContext(s.ctx)
	txn, err := s.tm.Begin(ctx)
	s.Require().Nil(err)
	a := xa.NewResourceMock("A")
	xid, _, err := txn.Enlist(ctx, a)
	s.Require().Nil(err)
	a.AddInDoubt(xid)

	s.Nil(s.tm.Recover(s.ctx, a))
	s.Equal(0, a.CallCount(xa.OpRollback))
	s.Equal(0, a.CallCount(xa.OpCommit))
	s.True(s.store.Exists(txn.TransactionId()))

	s.Nil(s.tm.Commit(ctx))
	s.Equal(1, a.CallCount(xa.OpCommit))
}

func (s *_recoverySuite) TestLogFailure() {
	s.store.Put(12,
		rec("A-1", define.TxnStatusPrepared),
		rec("", define.TxnStatusCommitting))
	a := xa.NewResourceMock("A")
	a.AddInDoubt(branch(12, 1).Xid())
	s.store.FailSave(func(uint64, store.Record) error { return errors.New("disk full") })

	err := s.tm.Recover(s.ctx, a)
	s.True(define.IsKind(err, define.KindLogIO))
	s.Equal(0, a.CallCount(xa.OpCommit))
}

func (s *_recoverySuite) TestRecoverAll() {
	s.store.Put(13,
		rec("A-1", define.TxnStatusPrepared),
		rec("B-2", define.TxnStatusPrepared),
		rec("", define.TxnStatusCommitting))
	a, b := xa.NewResourceMock("A"), xa.NewResourceMock("B")
	a.AddInDoubt(branch(13, 1).Xid())
	b.AddInDoubt(branch(13, 2).Xid())
	b.AddInDoubt(branch(14, 1).Xid())

	tm, err := NewCoordinator(Config{UniqueName: "tm-test", Store: s.store, RecoveryRate: 1000})
	s.Require().Nil(err)
	s.Nil(tm.RecoverAll(s.ctx, a, b))
	s.Equal(1, a.CallCount(xa.OpCommit))
	s.Equal(1, b.CallCount(xa.OpCommit))
	s.Equal(1, b.CallCount(xa.OpRollback))
	s.True(s.store.Removed(13))
	s.True(s.store.Removed(14))
}

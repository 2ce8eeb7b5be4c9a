package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/xa"
)

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(_storeSuite))
}

type _storeSuite struct {
	suite.Suite
}

func snapshotOf(records ...Record) *Snapshot {
	s := NewSnapshot(1)
	for _, r := range records {
		s.Apply(r)
	}
	return s
}

func (s *_storeSuite) TestBranchKey() {
	key := BranchKey("db-main", 3)
	s.Equal("db-main-3", key)
	rm, bid, err := ParseBranchKey(key)
	s.Nil(err)
	s.Equal("db-main", rm)
	s.Equal(uint32(3), bid)

	_, _, err = ParseBranchKey("nodash")
	s.NotNil(err)
	_, _, err = ParseBranchKey("rm-x")
	s.NotNil(err)
}

func (s *_storeSuite) TestApplyLastWins() {
	snapshot := snapshotOf(
		Record{Status: define.TxnStatusPreparing},
		Record{BranchKey: "A-1", Status: define.TxnStatusPrepared},
		Record{BranchKey: "A-1", Status: define.TxnStatusCommitting},
		Record{Status: define.TxnStatusCommitting},
	)
	s.Equal(define.TxnStatusCommitting, snapshot.Status)
	s.Equal(define.TxnStatusCommitting, snapshot.Branches["A-1"])

	c := snapshot.Copy()
	c.Branches["A-1"] = define.TxnStatusCommitted
	s.Equal(define.TxnStatusCommitting, snapshot.Branches["A-1"])
}

func (s *_storeSuite) TestResolved() {
	cases := []struct {
		name     string
		records  []Record
		resolved bool
	}{
		{"empty", nil, true},
		{"active", []Record{{Status: define.TxnStatusActive}}, true},
		{"all completed", []Record{
			{Status: define.TxnStatusCommitting},
			{BranchKey: "A-1", Status: define.TxnStatusCommitted},
			{BranchKey: "B-2", Status: define.TxnStatusRolledBack}}, true},
		{"undecided prepared", []Record{
			{Status: define.TxnStatusPreparing},
			{BranchKey: "A-1", Status: define.TxnStatusPrepared}}, true},
		{"decided prepared", []Record{
			{Status: define.TxnStatusCommitting},
			{BranchKey: "A-1", Status: define.TxnStatusPrepared}}, false},
		{"commit failed", []Record{
			{Status: define.TxnStatusCommitFailed},
			{BranchKey: "A-1", Status: define.TxnStatusCommitted},
			{BranchKey: "B-2", Status: define.TxnStatusCommitFailed}}, false},
		{"branch decision", []Record{
			{BranchKey: "A-1", Status: define.TxnStatusCommitting}}, false},
		{"rollback failed", []Record{
			{Status: define.TxnStatusRollbackFailed},
			{BranchKey: "A-1", Status: define.TxnStatusRollbackFailed}}, false},
	}
	for _, c := range cases {
		s.Equal(c.resolved, snapshotOf(c.records...).Resolved(), c.name)
	}
}

func (s *_storeSuite) TestIsCommitting() {
	gid := xa.NewGlobalId("tm", 1)

	snapshot := snapshotOf(Record{Status: define.TxnStatusPreparing},
		Record{BranchKey: "A-1", Status: define.TxnStatusPrepared},
		Record{BranchKey: "B-2", Status: define.TxnStatusCommitted})
	s.False(snapshot.IsCommitting(gid))
	s.False(snapshot.IsCommitting(gid.Branch(1)))
	s.True(snapshot.IsCommitting(gid.Branch(2)))

	snapshot.Apply(Record{Status: define.TxnStatusCommitted})
	s.True(snapshot.IsCommitting(gid))
	s.True(snapshot.IsCommitting(gid.Branch(9)))
}

func (s *_storeSuite) TestIOError() {
	err := IOError("save", 12, ErrClosed)
	s.True(define.IsKind(err, define.KindLogIO))
	s.True(errors.Is(err, ErrClosed))
}

func (s *_storeSuite) TestMockReplay() {
	ctx := context.Background()
	mock := NewStoreMock()

	pt, err := mock.Open(ctx, 3)
	s.Nil(err)
	s.Nil(pt.Save(ctx, define.TxnStatusCommitting))
	s.Nil(pt.SaveBranch(ctx, define.TxnStatusPrepared, 1, "A", nil))
	s.Nil(pt.Close())

	pt, err = mock.Open(ctx, 3)
	s.Nil(err)
	s.Equal(define.TxnStatusCommitting, pt.Status())
	s.Equal(define.TxnStatusPrepared, pt.BranchStatus(1, "A"))

	mock.FailSave(func(uint64, Record) error { return errors.New("disk full") })
	err = pt.Save(ctx, define.TxnStatusCommitted)
	s.True(define.IsKind(err, define.KindLogIO))
	s.Equal(define.TxnStatusCommitting, pt.Status())
	mock.FailSave(nil)

	s.Nil(pt.Remove())
	s.True(mock.Removed(3))
	s.False(mock.Exists(3))
	_, err = mock.Get(ctx, 3)
	s.Equal(ErrNotExist, err)
	// history stays readable after removal
	records := mock.Records(3)
	s.Equal(Record{BranchKey: "A-1", Status: define.TxnStatusPrepared}, records[len(records)-1])
}

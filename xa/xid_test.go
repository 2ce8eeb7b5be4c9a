package xa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestXidSuite(t *testing.T) {
	suite.Run(t, new(_xidSuite))
}

type _xidSuite struct {
	suite.Suite
}

func (s *_xidSuite) TestRoundTrip() {
	names := []string{"", "tm", "tm-node-1", strings.Repeat("n", MaxNameLength)}
	txIds := []uint64{0, 1, 42, 1 << 40, ^uint64(0)}
	bids := []uint32{0, 1, 7, ^uint32(0)}

	for _, name := range names {
		for _, tid := range txIds {
			global := NewGlobalId(name, tid)
			decoded, err := DecodeXid(global.Xid())
			s.Nil(err)
			s.Equal(name, decoded.Name)
			s.Equal(tid, decoded.TransactionId)
			s.False(decoded.IsBranch())

			for _, bid := range bids {
				branch := global.Branch(bid)
				decoded, err := DecodeXid(branch.Xid())
				s.Nil(err)
				s.True(decoded.IsBranch())
				s.Equal(bid, decoded.BranchId)
				s.True(decoded.SameBranch(branch))
				s.True(decoded.SameTransaction(global))
			}
		}
	}
}

func (s *_xidSuite) TestNameTruncated() {
	long := strings.Repeat("a", MaxNameLength) + "tail"
	gid := NewGlobalId(long, 9)
	s.Equal(strings.Repeat("a", MaxNameLength), gid.Name)

	x := gid.Branch(3).Xid()
	s.LessOrEqual(len(x.GlobalTransactionId), MaxGtridLength)
	s.LessOrEqual(len(x.BranchQualifier), MaxBqualLength)

	decoded, err := DecodeXid(x)
	s.Nil(err)
	s.Equal(gid.Name, decoded.Name)
}

func (s *_xidSuite) TestEquality() {
	a := NewGlobalId("tm", 5).Branch(1)
	b := NewGlobalId("tm", 5).Branch(1)
	c := NewGlobalId("tm", 5).Branch(2)

	s.True(a.Xid().Equal(b.Xid()))
	s.Equal(a.Xid().Key(), b.Xid().Key())
	s.False(a.Xid().Equal(c.Xid()))
	s.NotEqual(a.Xid().Key(), c.Xid().Key())
	s.True(a.SameTransaction(c))
	s.False(a.SameBranch(c))
	s.False(a.SameBranch(a.Global()))

	// foreign xids whose parts differ in length
	x := Xid{FormatId: 7, GlobalTransactionId: []byte("a/"), BranchQualifier: []byte("b")}
	y := Xid{FormatId: 7, GlobalTransactionId: []byte("a"), BranchQualifier: []byte("/b")}
	s.False(x.Equal(y))
	s.NotEqual(x.Key(), y.Key())

	r := NewResourceMock("A")
	r.AddInDoubt(x)
	r.AddInDoubt(y)
	s.Equal(2, len(r.InDoubt()))
}

func (s *_xidSuite) TestDecodeInvalid() {
	x := NewGlobalId("tm", 1).Branch(1).Xid()

	foreign := x
	foreign.FormatId = 1
	_, err := DecodeXid(foreign)
	s.Equal(ErrInvalidFormat, err)

	short := x
	short.GlobalTransactionId = x.GlobalTransactionId[:10]
	_, err = DecodeXid(short)
	s.Equal(ErrInvalidLength, err)

	bqual := x
	bqual.BranchQualifier = []byte{1, 2}
	_, err = DecodeXid(bqual)
	s.Equal(ErrInvalidLength, err)
}

func (s *_xidSuite) TestFilterRecoveryXids() {
	mine1 := NewGlobalId("tm-a", 1).Branch(1)
	mine2 := NewGlobalId("tm-a", 2).Branch(1)
	sameLength := NewGlobalId("tm-b", 3).Branch(1)
	longer := NewGlobalId("tm-a2", 4).Branch(1)

	garbled := mine1.Xid()
	garbled.GlobalTransactionId = []byte("garbage")
	foreign := mine1.Xid()
	foreign.FormatId = 0x1234

	candidates := []Xid{mine1.Xid(), sameLength.Xid(), garbled, longer.Xid(), foreign, mine2.Xid()}
	filtered := FilterRecoveryXids(candidates, "tm-a")

	s.Equal(2, len(filtered))
	s.True(filtered[0].SameBranch(mine1))
	s.True(filtered[1].SameBranch(mine2))

	s.Empty(FilterRecoveryXids(nil, "tm-a"))
}

func (s *_xidSuite) TestFilterUsesNamePrefix() {
	long := strings.Repeat("x", MaxNameLength)
	gid := NewGlobalId(long+"-suffix-1", 1).Branch(1)
	filtered := FilterRecoveryXids([]Xid{gid.Xid()}, long+"-suffix-2")
	s.Equal(1, len(filtered))
}

func (s *_xidSuite) TestErrorClassification() {
	s.True(IsRollbackVote(NewError(RbRollback, "")))
	s.True(IsRollbackVote(WrapError(RbTimeout, ErrInvalidLength)))
	s.False(IsRollbackVote(NewError(ErRmFail, "")))
	s.False(IsRollbackVote(nil))

	s.True(IsHeuristic(NewError(HeurMix, "")))
	s.False(IsHeuristic(NewError(RbOther, "")))

	s.True(IsTransient(NewError(ErRmFail, "")))
	s.True(IsTransient(ErrInvalidFormat))
	s.False(IsTransient(NewError(HeurCom, "")))
	s.False(IsTransient(nil))

	s.Equal("XA_HEURHAZ : oops", NewError(HeurHaz, "oops").Error())
}

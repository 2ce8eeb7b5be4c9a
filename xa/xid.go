package xa

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// FormatId identifies xids generated by this coordinator ("XATM").
	FormatId int32 = 0x5841544d

	// MaxNameLength is the number of name bytes carried in an xid; only
	// this prefix identifies the owning coordinator.
	MaxNameLength = 52

	gtridLength = MaxNameLength + 8
	bqualLength = 4

	// MaxGtridLength and MaxBqualLength are the XA limits.
	MaxGtridLength = 64
	MaxBqualLength = 64
)

var (
	ErrInvalidFormat = errors.New("xid : foreign format id")
	ErrInvalidLength = errors.New("xid : invalid length")
)

// Xid is the identifier handed to resource managers: a format id, a global
// transaction id and a branch qualifier.
type Xid struct {
	FormatId            int32
	GlobalTransactionId []byte
	BranchQualifier     []byte
}

// Key returns the full byte content, suitable for maps. The global
// transaction id is length prefixed so that distinct xids never share a key.
func (x Xid) Key() string {
	buf := make([]byte, 4, 4+binary.MaxVarintLen64+len(x.GlobalTransactionId)+len(x.BranchQualifier))
	binary.BigEndian.PutUint32(buf, uint32(x.FormatId))
	buf = binary.AppendUvarint(buf, uint64(len(x.GlobalTransactionId)))
	buf = append(buf, x.GlobalTransactionId...)
	buf = append(buf, x.BranchQualifier...)
	return string(buf)
}

func (x Xid) Equal(o Xid) bool {
	return x.FormatId == o.FormatId &&
		bytes.Equal(x.GlobalTransactionId, o.GlobalTransactionId) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

func (x Xid) String() string {
	return fmt.Sprintf("%x:%s:%s", x.FormatId, hex.EncodeToString(x.GlobalTransactionId), hex.EncodeToString(x.BranchQualifier))
}

// GlobalId is the decoded form of an Xid.
type GlobalId struct {
	Name          string
	TransactionId uint64
	BranchId      uint32
	hasBranch     bool
}

// NewGlobalId returns the global (branchless) id; name is truncated to MaxNameLength bytes.
func NewGlobalId(name string, transactionId uint64) GlobalId {
	return GlobalId{
		Name:          truncateName(name),
		TransactionId: transactionId,
	}
}

// Branch derives the id of branch bid of the same transaction.
func (g GlobalId) Branch(bid uint32) GlobalId {
	g.BranchId = bid
	g.hasBranch = true
	return g
}

// Global strips the branch qualifier.
func (g GlobalId) Global() GlobalId {
	g.BranchId = 0
	g.hasBranch = false
	return g
}

func (g GlobalId) IsBranch() bool {
	return g.hasBranch
}

func (g GlobalId) SameTransaction(o GlobalId) bool {
	return g.Name == o.Name && g.TransactionId == o.TransactionId
}

func (g GlobalId) SameBranch(o GlobalId) bool {
	return g.SameTransaction(o) && g.hasBranch == o.hasBranch && g.BranchId == o.BranchId
}

// Xid encodes the id into its wire form.
func (g GlobalId) Xid() Xid {
	gtrid := make([]byte, gtridLength)
	copy(gtrid, encodeName(g.Name))
	binary.BigEndian.PutUint64(gtrid[MaxNameLength:], g.TransactionId)

	var bqual []byte
	if g.hasBranch {
		bqual = make([]byte, bqualLength)
		binary.BigEndian.PutUint32(bqual, g.BranchId)
	} else {
		bqual = []byte{}
	}
	return Xid{
		FormatId:            FormatId,
		GlobalTransactionId: gtrid,
		BranchQualifier:     bqual,
	}
}

func (g GlobalId) String() string {
	if g.hasBranch {
		return fmt.Sprintf("%s:%d:%d", g.Name, g.TransactionId, g.BranchId)
	}
	return fmt.Sprintf("%s:%d", g.Name, g.TransactionId)
}

// DecodeXid is the inverse of GlobalId.Xid.
func DecodeXid(x Xid) (GlobalId, error) {
	if x.FormatId != FormatId {
		return GlobalId{}, ErrInvalidFormat
	}
	if len(x.GlobalTransactionId) != gtridLength {
		return GlobalId{}, ErrInvalidLength
	}

	g := GlobalId{
		Name:          decodeName(x.GlobalTransactionId[:MaxNameLength]),
		TransactionId: binary.BigEndian.Uint64(x.GlobalTransactionId[MaxNameLength:]),
	}
	switch len(x.BranchQualifier) {
	case 0:
	case bqualLength:
		g = g.Branch(binary.BigEndian.Uint32(x.BranchQualifier))
	default:
		return GlobalId{}, ErrInvalidLength
	}
	return g, nil
}

// FilterRecoveryXids keeps the candidates owned by the coordinator called name.
// Candidates that cannot be decoded belong to somebody else and are dropped.
func FilterRecoveryXids(candidates []Xid, name string) []GlobalId {
	prefix := encodeName(name)
	result := make([]GlobalId, 0, len(candidates))
	for _, x := range candidates {
		if x.FormatId != FormatId || len(x.GlobalTransactionId) != gtridLength {
			continue
		}
		if !bytes.Equal(x.GlobalTransactionId[:MaxNameLength], prefix) {
			continue
		}
		g, err := DecodeXid(x)
		if err != nil {
			continue
		}
		result = append(result, g)
	}
	return result
}

func truncateName(name string) string {
	if len(name) > MaxNameLength {
		return name[:MaxNameLength]
	}
	return name
}

// encodeName zero pads name to MaxNameLength bytes.
func encodeName(name string) []byte {
	buf := make([]byte, MaxNameLength)
	copy(buf, name)
	return buf
}

func decodeName(raw []byte) string {
	return string(bytes.TrimRight(raw, "\x00"))
}

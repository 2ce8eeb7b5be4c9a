package pgxa

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/ikenchina/xatm/xa"
)

var (
	ErrInvalidGid = errors.New("not a prepared transaction of an xa branch")
)

// EncodeGid names the prepared transaction of xid : "<format id>_<gtrid hex>_<bqual hex>".
// The result only holds digits, hex letters and '_', it is safe inside a
// quoted literal.
func EncodeGid(xid xa.Xid) string {
	return strconv.FormatInt(int64(xid.FormatId), 10) + "_" +
		hex.EncodeToString(xid.GlobalTransactionId) + "_" +
		hex.EncodeToString(xid.BranchQualifier)
}

// DecodeGid is the inverse of EncodeGid, prepared transactions created by
// somebody else fail with ErrInvalidGid.
func DecodeGid(gid string) (xa.Xid, error) {
	parts := strings.Split(gid, "_")
	if len(parts) != 3 {
		return xa.Xid{}, ErrInvalidGid
	}
	formatId, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return xa.Xid{}, ErrInvalidGid
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil || len(gtrid) == 0 || len(gtrid) > xa.MaxGtridLength {
		return xa.Xid{}, ErrInvalidGid
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil || len(bqual) > xa.MaxBqualLength {
		return xa.Xid{}, ErrInvalidGid
	}
	return xa.Xid{
		FormatId:            int32(formatId),
		GlobalTransactionId: gtrid,
		BranchQualifier:     bqual,
	}, nil
}

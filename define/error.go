package define

import (
	"errors"
	"fmt"
)

// ErrorKind classifies coordinator failures.
type ErrorKind int

const (
	// KindLogIO : the durable log could not be read or written.
	KindLogIO ErrorKind = iota + 1
	// KindRolledBack : the transaction was rolled back instead of committed,
	// e.g. a branch voted rollback or the transaction was marked rollback only.
	KindRolledBack
	// KindPostDecision : a commit or rollback call failed after the outcome
	// was decided. The failure is logged and left for recovery.
	KindPostDecision
	// KindProtocolMisuse : begin with an active transaction, commit without one, ...
	KindProtocolMisuse
	// KindUnsupported : suspend and resume.
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindLogIO:
		return "log_io"
	case KindRolledBack:
		return "rolled_back"
	case KindPostDecision:
		return "post_decision"
	case KindProtocolMisuse:
		return "protocol_misuse"
	case KindUnsupported:
		return "unsupported"
	}
	return "unknown"
}

type Error struct {
	Kind ErrorKind
	Op   string
	Gtid string
	Err  error
}

func NewError(kind ErrorKind, op string, gtid string, err error) *Error {
	return &Error{Kind: kind, Op: op, Gtid: gtid, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if len(e.Op) > 0 {
		msg = e.Op + " : " + msg
	}
	if len(e.Gtid) > 0 {
		msg += fmt.Sprintf(" : gtid(%s)", e.Gtid)
	}
	if e.Err != nil {
		msg += " : " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether the first *Error in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, 0 if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

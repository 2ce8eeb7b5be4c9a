package xa

import (
	"errors"
	"fmt"
)

// Code is an XA return code.
type Code int32

const (
	// rollback codes : the resource manager rolled the branch back
	RbRollback  Code = 100
	RbCommfail  Code = 101
	RbDeadlock  Code = 102
	RbIntegrity Code = 103
	RbOther     Code = 104
	RbProto     Code = 105
	RbTimeout   Code = 106
	RbTransient Code = 107

	Ok     Code = 0
	RdOnly Code = 3
	Retry  Code = 4

	// heuristic outcomes
	HeurMix Code = 5
	HeurRb  Code = 6
	HeurCom Code = 7
	HeurHaz Code = 8

	ErAsync   Code = -2
	ErRmErr   Code = -3
	ErNota    Code = -4
	ErInval   Code = -5
	ErProto   Code = -6
	ErRmFail  Code = -7
	ErDupId   Code = -8
	ErOutside Code = -9
)

var codeNames = map[Code]string{
	RbRollback:  "XA_RBROLLBACK",
	RbCommfail:  "XA_RBCOMMFAIL",
	RbDeadlock:  "XA_RBDEADLOCK",
	RbIntegrity: "XA_RBINTEGRITY",
	RbOther:     "XA_RBOTHER",
	RbProto:     "XA_RBPROTO",
	RbTimeout:   "XA_RBTIMEOUT",
	RbTransient: "XA_RBTRANSIENT",
	Ok:          "XA_OK",
	RdOnly:      "XA_RDONLY",
	Retry:       "XA_RETRY",
	HeurMix:     "XA_HEURMIX",
	HeurRb:      "XA_HEURRB",
	HeurCom:     "XA_HEURCOM",
	HeurHaz:     "XA_HEURHAZ",
	ErAsync:     "XAER_ASYNC",
	ErRmErr:     "XAER_RMERR",
	ErNota:      "XAER_NOTA",
	ErInval:     "XAER_INVAL",
	ErProto:     "XAER_PROTO",
	ErRmFail:    "XAER_RMFAIL",
	ErDupId:     "XAER_DUPID",
	ErOutside:   "XAER_OUTSIDE",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("XA(%d)", int32(c))
}

func (c Code) IsRollback() bool {
	return c >= RbRollback && c <= RbTransient
}

func (c Code) IsHeuristic() bool {
	return c >= HeurMix && c <= HeurHaz
}

// Error is the failure reported by a resource manager.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func WrapError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if len(e.Msg) > 0 {
		msg += " : " + e.Msg
	}
	if e.Err != nil {
		msg += " : " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func codeOf(err error) (Code, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return 0, false
}

// IsRollbackVote reports whether err says the branch has been rolled back
// by the resource manager.
func IsRollbackVote(err error) bool {
	code, ok := codeOf(err)
	return ok && code.IsRollback()
}

// IsHeuristic reports a unilateral outcome taken by the resource manager.
func IsHeuristic(err error) bool {
	code, ok := codeOf(err)
	return ok && code.IsHeuristic()
}

// IsTransient reports a failure that may go away when the call is retried later.
// Errors that are not *Error are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	code, ok := codeOf(err)
	if !ok {
		return true
	}
	return code == ErRmFail || code == Retry || code == RbTransient || code == RbCommfail
}

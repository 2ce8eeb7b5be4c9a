package xa

import (
	"context"
	"sort"
	"sync"
)

const (
	OpPrepare  = "prepare"
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpRecover  = "recover"
)

type ResourceCall struct {
	Op       string
	Xid      Xid
	OnePhase bool
}

// ResourceMock is an in-memory resource manager. Prepared branches stay in
// doubt until they are committed or rolled back, and are returned by Recover.
// Every call can be overridden by a hook.
type ResourceMock struct {
	sync.Mutex
	name    string
	join    bool
	suspend bool

	prepareHook  func(xid Xid) (Vote, error)
	commitHook   func(xid Xid, onePhase bool) error
	rollbackHook func(xid Xid) error
	recoverHook  func() ([]Xid, error)

	calls    []ResourceCall
	inDoubt  map[string]Xid
	timeouts map[string]int
}

func NewResourceMock(name string) *ResourceMock {
	return &ResourceMock{
		name:     name,
		inDoubt:  make(map[string]Xid),
		timeouts: make(map[string]int),
	}
}

func (rm *ResourceMock) WithJoin(join bool) *ResourceMock {
	rm.join = join
	return rm
}

func (rm *ResourceMock) OnPrepare(fn func(xid Xid) (Vote, error)) {
	rm.Lock()
	defer rm.Unlock()
	rm.prepareHook = fn
}

func (rm *ResourceMock) OnCommit(fn func(xid Xid, onePhase bool) error) {
	rm.Lock()
	defer rm.Unlock()
	rm.commitHook = fn
}

func (rm *ResourceMock) OnRollback(fn func(xid Xid) error) {
	rm.Lock()
	defer rm.Unlock()
	rm.rollbackHook = fn
}

func (rm *ResourceMock) OnRecover(fn func() ([]Xid, error)) {
	rm.Lock()
	defer rm.Unlock()
	rm.recoverHook = fn
}

func (rm *ResourceMock) ResourceManager() string {
	return rm.name
}

func (rm *ResourceMock) SupportsJoin() bool {
	return rm.join
}

func (rm *ResourceMock) SupportsSuspend() bool {
	return rm.suspend
}

func (rm *ResourceMock) SetTransactionTimeout(xid Xid, seconds int) error {
	rm.Lock()
	defer rm.Unlock()
	rm.timeouts[xid.Key()] = seconds
	return nil
}

// Timeout returns the last timeout handed over for the branch xid, and
// whether one was handed over at all.
func (rm *ResourceMock) Timeout(xid Xid) (int, bool) {
	rm.Lock()
	defer rm.Unlock()
	seconds, ok := rm.timeouts[xid.Key()]
	return seconds, ok
}

func (rm *ResourceMock) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	hook := rm.record(ResourceCall{Op: OpPrepare, Xid: xid}).prepareHook
	vote := VoteCommit
	if hook != nil {
		var err error
		vote, err = hook(xid)
		if err != nil {
			return vote, err
		}
	}
	if vote == VoteCommit {
		rm.AddInDoubt(xid)
	}
	return vote, nil
}

func (rm *ResourceMock) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	hook := rm.record(ResourceCall{Op: OpCommit, Xid: xid, OnePhase: onePhase}).commitHook
	if hook != nil {
		if err := hook(xid, onePhase); err != nil {
			return err
		}
	}
	rm.forget(xid)
	return nil
}

func (rm *ResourceMock) Rollback(ctx context.Context, xid Xid) error {
	hook := rm.record(ResourceCall{Op: OpRollback, Xid: xid}).rollbackHook
	if hook != nil {
		if err := hook(xid); err != nil {
			return err
		}
	}
	rm.forget(xid)
	return nil
}

func (rm *ResourceMock) Recover(ctx context.Context) ([]Xid, error) {
	hook := rm.record(ResourceCall{Op: OpRecover}).recoverHook
	if hook != nil {
		return hook()
	}
	return rm.InDoubt(), nil
}

// AddInDoubt makes xid look like a branch prepared before a crash.
func (rm *ResourceMock) AddInDoubt(xid Xid) {
	rm.Lock()
	defer rm.Unlock()
	rm.inDoubt[xid.Key()] = xid
}

func (rm *ResourceMock) InDoubt() []Xid {
	rm.Lock()
	defer rm.Unlock()
	keys := make([]string, 0, len(rm.inDoubt))
	for k := range rm.inDoubt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	xids := make([]Xid, 0, len(keys))
	for _, k := range keys {
		xids = append(xids, rm.inDoubt[k])
	}
	return xids
}

func (rm *ResourceMock) Calls() []ResourceCall {
	rm.Lock()
	defer rm.Unlock()
	calls := make([]ResourceCall, len(rm.calls))
	copy(calls, rm.calls)
	return calls
}

func (rm *ResourceMock) CallCount(op string) int {
	rm.Lock()
	defer rm.Unlock()
	count := 0
	for _, c := range rm.calls {
		if c.Op == op {
			count++
		}
	}
	return count
}

func (rm *ResourceMock) forget(xid Xid) {
	rm.Lock()
	defer rm.Unlock()
	delete(rm.inDoubt, xid.Key())
}

// record appends the call and returns the hooks as they were at call time.
func (rm *ResourceMock) record(call ResourceCall) resourceHooks {
	rm.Lock()
	defer rm.Unlock()
	rm.calls = append(rm.calls, call)
	return resourceHooks{
		prepareHook:  rm.prepareHook,
		commitHook:   rm.commitHook,
		rollbackHook: rm.rollbackHook,
		recoverHook:  rm.recoverHook,
	}
}

type resourceHooks struct {
	prepareHook  func(xid Xid) (Vote, error)
	commitHook   func(xid Xid, onePhase bool) error
	rollbackHook func(xid Xid) error
	recoverHook  func() ([]Xid, error)
}

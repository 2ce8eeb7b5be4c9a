package pgxa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v4"
	"gorm.io/gorm"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/xa"
)

var (
	ErrUnknownBranch = errors.New("branch has no local transaction")
)

// Resource is a PostgreSQL database taking part in xa transactions through
// PREPARE TRANSACTION. The server needs max_prepared_transactions > 0.
//
// The work of a branch runs in the local transaction returned by Begin, on a
// connection held until the branch is prepared, committed in one phase or
// rolled back.
type Resource struct {
	name string
	db   *gorm.DB

	mutex    sync.Mutex
	timeouts map[string]int
	branches map[string]*gorm.DB
}

func New(name string, db *gorm.DB) *Resource {
	return &Resource{
		name:     name,
		db:       db,
		timeouts: make(map[string]int),
		branches: make(map[string]*gorm.DB),
	}
}

func (r *Resource) ResourceManager() string {
	return r.name
}

// SupportsJoin : a joined branch keeps working in the same local transaction.
func (r *Resource) SupportsJoin() bool {
	return true
}

func (r *Resource) SupportsSuspend() bool {
	return false
}

// SetTransactionTimeout is the statement timeout of the branch xid. A
// branch already begun gets it at once.
func (r *Resource) SetTransactionTimeout(xid xa.Xid, seconds int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if seconds > 0 {
		r.timeouts[xid.Key()] = seconds
	} else {
		delete(r.timeouts, xid.Key())
	}
	if tx, ok := r.branches[xid.Key()]; ok {
		if err := setStatementTimeout(tx, seconds); err != nil {
			return xa.WrapError(xa.ErRmErr, err)
		}
	}
	return nil
}

func setStatementTimeout(tx *gorm.DB, seconds int) error {
	if seconds <= 0 {
		return tx.Exec("SET LOCAL statement_timeout TO DEFAULT").Error
	}
	return tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", seconds*1000)).Error
}

// Begin returns the local transaction of the branch xid, starting it on
// first use.
func (r *Resource) Begin(ctx context.Context, xid xa.Xid) (*gorm.DB, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if tx, ok := r.branches[xid.Key()]; ok {
		return tx.WithContext(ctx), nil
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, xa.WrapError(xa.ErRmFail, tx.Error)
	}
	if seconds := r.timeouts[xid.Key()]; seconds > 0 {
		if err := setStatementTimeout(tx, seconds); err != nil {
			tx.Rollback()
			return nil, xa.WrapError(xa.ErRmErr, err)
		}
	}
	r.branches[xid.Key()] = tx
	return tx, nil
}

func (r *Resource) take(xid xa.Xid) *gorm.DB {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	tx, ok := r.branches[xid.Key()]
	delete(r.timeouts, xid.Key())
	if !ok {
		return nil
	}
	delete(r.branches, xid.Key())
	return tx
}

// release gives the connection of a transaction that is no longer in
// progress back to the pool.
func (r *Resource) release(ctx context.Context, tx *gorm.DB) {
	if err := tx.Commit().Error; err != nil {
		logutil.Logger(ctx).Sugar().Debugf("release connection : rm(%s), error(%v)", r.name, err)
	}
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	tx := r.take(xid)
	if tx == nil {
		return xa.VoteCommit, xa.WrapError(xa.ErNota, ErrUnknownBranch)
	}
	gid := EncodeGid(xid)
	if err := tx.WithContext(ctx).Exec("PREPARE TRANSACTION '" + gid + "'").Error; err != nil {
		// a failed prepare aborts the transaction
		tx.Rollback()
		return xa.VoteCommit, xa.WrapError(xa.RbRollback, err)
	}
	r.release(ctx, tx)
	return xa.VoteCommit, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	if onePhase {
		if tx := r.take(xid); tx != nil {
			if err := tx.WithContext(ctx).Commit().Error; err != nil {
				return commitError(err)
			}
			return nil
		}
	}
	return r.finishPrepared(ctx, "COMMIT PREPARED", xid)
}

// commitError tells a commit the server refused, which leaves nothing
// behind, from one whose outcome is unknown.
func commitError(err error) error {
	if errors.Is(err, pgx.ErrTxCommitRollback) {
		return xa.WrapError(xa.RbRollback, err)
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && len(pgErr.SQLState()) == 5 {
		switch pgErr.SQLState()[:2] {
		case "23":
			return xa.WrapError(xa.RbIntegrity, err)
		case "40":
			return xa.WrapError(xa.RbRollback, err)
		}
	}
	return xa.WrapError(xa.ErRmFail, err)
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	if tx := r.take(xid); tx != nil {
		if err := tx.WithContext(ctx).Rollback().Error; err != nil {
			return xa.WrapError(xa.ErRmErr, err)
		}
		return nil
	}
	return r.finishPrepared(ctx, "ROLLBACK PREPARED", xid)
}

func (r *Resource) finishPrepared(ctx context.Context, stmt string, xid xa.Xid) error {
	gid := EncodeGid(xid)
	db := r.db.WithContext(ctx)

	var count int64
	if err := db.Raw("SELECT count(*) FROM pg_prepared_xacts WHERE gid = ?", gid).Scan(&count).Error; err != nil {
		return xa.WrapError(xa.ErRmFail, err)
	}
	if count == 0 {
		return xa.NewError(xa.ErNota, "prepared transaction "+gid+" does not exist")
	}
	if err := db.Exec(stmt + " '" + gid + "'").Error; err != nil {
		return xa.WrapError(xa.ErRmErr, err)
	}
	return nil
}

// Recover lists the prepared transactions of the current database that
// carry an xid.
func (r *Resource) Recover(ctx context.Context) ([]xa.Xid, error) {
	gids := []string{}
	err := r.db.WithContext(ctx).
		Raw("SELECT gid FROM pg_prepared_xacts WHERE database = current_database() ORDER BY prepared").
		Scan(&gids).Error
	if err != nil {
		return nil, xa.WrapError(xa.ErRmFail, err)
	}
	xids := make([]xa.Xid, 0, len(gids))
	for _, gid := range gids {
		xid, err := DecodeGid(gid)
		if err != nil {
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

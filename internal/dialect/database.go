package dialect

import (
	"context"
	"math/rand/v2"

	"github.com/gateway-fm/dbload/pkg/types"
)

// Database is the connection capability the workers need.
type Database interface {
	// Acquire checks a session out of the pool, waiting up to the pool's
	// connection timeout.
	Acquire(ctx context.Context) (Session, error)

	// Release returns a session. With isError set the open transaction is
	// rolled back and the physical connection is evicted from the pool.
	Release(s Session, isError bool)

	// PoolStats reports the current pool occupancy.
	PoolStats() types.PoolStats
}

// Session is one pooled connection owned by a single worker. Writes run in a
// transaction opened on first use and ended by Commit or Rollback. Reads run
// outside any transaction unless one is open.
type Session interface {
	Ping(ctx context.Context) error

	// Insert writes one row and returns its id.
	Insert(ctx context.Context, threadID, payload string) (int64, error)

	// BatchInsert writes n rows in the current transaction and returns n.
	BatchInsert(ctx context.Context, threadID, payload string, n int) (int, error)

	// Select returns the row with the given id, or nil if there is none.
	Select(ctx context.Context, id int64) (*types.Row, error)

	// RandomSelect selects a uniformly random id in [1, maxID].
	RandomSelect(ctx context.Context, maxID int64) (*types.Row, error)

	// Update sets value_col to UPDATED_<id> and reports whether a row matched.
	Update(ctx context.Context, id int64) (bool, error)

	// Delete removes the row and reports whether a row matched.
	Delete(ctx context.Context, id int64) (bool, error)

	// MaxID returns the largest id in the table, 0 when empty.
	MaxID(ctx context.Context) (int64, error)

	Commit() error

	// Rollback ends the open transaction, if any. Errors are discarded.
	Rollback()
}

// RandomID returns a uniformly random id in [1, maxID], or 0 when maxID <= 0.
func RandomID(maxID int64) int64 {
	if maxID <= 0 {
		return 0
	}
	return rand.Int64N(maxID) + 1
}

// InsertValue is the value_col written for a worker's inserts.
func InsertValue(threadID string) string {
	return "TEST_" + threadID
}

// UpdateValue is the value_col written by an update of id.
func UpdateValue(id int64) string {
	return "UPDATED_" + itoa(id)
}

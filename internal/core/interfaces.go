package core

import "context"

// Storage is the storage engine collaborator behind the database bridge.
// Implementations own their locking; callers never serialize across
// isolates.
type Storage interface {
	// Query runs a row-returning statement. Rows carry columns in engine
	// order.
	Query(ctx context.Context, sql string, params []Value) ([]Row, error)

	// Execute runs a statement and returns the number of affected rows.
	Execute(ctx context.Context, sql string, params []Value) (int64, error)

	Close() error
}

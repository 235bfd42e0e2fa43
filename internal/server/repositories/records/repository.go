package records

import "context"

// Record is one row of an encryptable record set: its key (as text) and the
// raw stored values of the requested columns, in order.
type Record struct {
	Key    string
	Values [][]byte
}

// Repository reads and rewrites encrypted columns of arbitrary tables. Table
// and column names come from code, never from user input, and are quoted as
// identifiers.
type Repository interface {
	// Scan returns up to limit rows with key greater than after, ordered by
	// key.
	Scan(ctx context.Context, table, keyColumn string, columns []string, after string, limit int) ([]Record, error)
	// Update replaces the columns of one row only if they still hold old;
	// it reports whether the row was changed.
	Update(ctx context.Context, table, keyColumn, key string, columns []string, old, values [][]byte) (bool, error)
	// StorageNames returns up to limit distinct values of column greater than
	// after, ordered.
	StorageNames(ctx context.Context, table, column, after string, limit int) ([]string, error)
	ReplaceStorageName(ctx context.Context, table, column, oldName, newName string) (int64, error)
}

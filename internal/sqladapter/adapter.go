package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	_ "github.com/mattn/go-sqlite3"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Tx is the transactional connection the adapter refuses to hand out.
// It exists so callers can express the request; Transaction never returns one.
type Tx interface {
	Commit() error
	Rollback() error
}

// DB executes statements against one SQLite database file.
// Safe for concurrent use, but the pool is limited to a single connection so
// statements are applied one at a time.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the SQLite database at path and applies the
// required pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageError("failed to open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageError("failed to connect to database", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, path: path}, nil
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database. Safe to call on a nil or closed DB.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs a statement without a result set and returns the number of
// affected rows.
func (d *DB) Exec(ctx context.Context, query string, params ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, storageError("failed to execute statement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("failed to read rows affected", err)
	}
	return n, nil
}

// Execute runs a statement and returns all rows keyed by column name.
// Returns an empty slice (not nil) when the statement yields no rows.
func (d *DB) Execute(ctx context.Context, query string, params ...any) ([]Row, error) {
	out := []Row{}
	for row, err := range d.ExecuteStream(ctx, query, params...) {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// ExecuteValues runs a statement and returns all rows as positional values
// in column order.
func (d *DB) ExecuteValues(ctx context.Context, query string, params ...any) ([][]any, error) {
	rows, err := d.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, storageError("failed to execute statement", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, storageError("failed to read columns", err)
	}

	out := [][]any{}
	for rows.Next() {
		vals, err := scanValues(rows, len(cols))
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate rows", err)
	}
	return out, nil
}

// ExecuteStream returns a lazy sequence over the statement's rows. The
// statement runs when iteration starts, and the cursor is released when
// iteration ends or the consumer breaks out early.
//
// The sequence is finite and single-use: a second range over it yields
// ErrStreamConsumed and stops.
func (d *DB) ExecuteStream(ctx context.Context, query string, params ...any) iter.Seq2[Row, error] {
	consumed := false
	return func(yield func(Row, error) bool) {
		if consumed {
			yield(nil, ErrStreamConsumed)
			return
		}
		consumed = true

		rows, err := d.db.QueryContext(ctx, query, params...)
		if err != nil {
			yield(nil, storageError("failed to execute statement", err))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			yield(nil, storageError("failed to read columns", err))
			return
		}

		for rows.Next() {
			vals, err := scanValues(rows, len(cols))
			if err != nil {
				yield(nil, err)
				return
			}
			row := make(Row, len(cols))
			for i, c := range cols {
				row[c] = vals[i]
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storageError("failed to iterate rows", err))
		}
	}
}

// Transaction always fails: the adapter commits every statement on its own.
// The returned error is a *DefectError wrapping ErrTransactionsUnsupported.
func (d *DB) Transaction(ctx context.Context) (Tx, error) {
	return nil, &DefectError{Cause: ErrTransactionsUnsupported}
}

// MustTransaction panics with the DefectError from Transaction. Use it where
// reaching a transactional code path means the program is wrong.
func (d *DB) MustTransaction(ctx context.Context) Tx {
	tx, err := d.Transaction(ctx)
	if err != nil {
		panic(err)
	}
	return tx
}

// scanValues scans the current row and normalizes binary columns.
func scanValues(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, storageError("failed to scan row", err)
	}
	for i, v := range vals {
		vals[i] = normalize(v)
	}
	return vals, nil
}

// normalize copies driver-owned byte buffers into stable slices.
func normalize(v any) any {
	switch b := v.(type) {
	case []byte:
		return copyBytes(b)
	case sql.RawBytes:
		return copyBytes(b)
	default:
		return v
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return storageError(fmt.Sprintf("failed to execute %q", pragma), err)
		}
	}

	return nil
}

// pragma reads a single pragma value. Only tests read pragmas back.
func (d *DB) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return "", storageError(fmt.Sprintf("failed to query %s", name), err)
	}
	return value, nil
}

// Package sqlite provides a DB backed by an SQLite database file.
//
// Constraint entries live in their own table whose primary key is the entry
// key, so SQLite itself refuses a second owner for a value. The Store limits
// the database handle to a single connection; a transaction holds that
// connection until it ends, which serializes all transactions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dekarrin/uniqdoc"
	"modernc.org/sqlite"
)

// DataFile is the name of the database file created in the data directory.
const DataFile = "data.db"

// WrapDBError wraps an error from the SQLite engine into an error useable by
// the rest of the uniqdoc packages. It should be called on any error returned
// from SQLite before the error is passed back to a caller.
//
// Constraint failures match uniqdoc.ErrConflict and missing rows match
// uniqdoc.ErrNotFound. Everything else matches uniqdoc.ErrDB.
func WrapDBError(err error) error {
	sqliteErr := &sqlite.Error{}
	if errors.As(err, &sqliteErr) {
		primaryCode := sqliteErr.Code() & 0xff
		if primaryCode == 19 {
			return uniqdoc.NewError(err.Error(), uniqdoc.ErrConflict, uniqdoc.ErrDB)
		}
		if primaryCode == 1 {
			// this is a generic error and thus the string is not descriptive,
			// so preserve the original error instead
			return uniqdoc.WrapDBError(err)
		}
		return uniqdoc.WrapDBError(err, sqlite.ErrorCodeString[sqliteErr.Code()])
	} else if errors.Is(err, sql.ErrNoRows) {
		return uniqdoc.ErrNotFound
	}
	return uniqdoc.WrapDBError(err)
}

// Store is a DB in an SQLite file. Its zero-value should not be used; call
// [Open] to get a Store ready for use.
type Store struct {
	db         *sql.DB
	dbFilename string

	mtx    sync.Mutex
	closed bool
}

// Open opens the SQLite database in storageDir, creating it and its tables if
// they do not yet exist.
func Open(storageDir string) (*Store, error) {
	st := &Store{
		dbFilename: filepath.Join(storageDir, DataFile),
	}

	var err error
	st.db, err = sql.Open("sqlite", st.dbFilename)
	if err != nil {
		return nil, WrapDBError(err)
	}
	st.db.SetMaxOpenConns(1)

	if err := st.init(); err != nil {
		st.db.Close()
		return nil, err
	}

	return st, nil
}

func (st *Store) init() error {
	_, err := st.db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL PRIMARY KEY,
		collection TEXT NOT NULL,
		fields BLOB NOT NULL
	);`)
	if err != nil {
		return WrapDBError(err)
	}

	_, err = st.db.Exec(`CREATE TABLE IF NOT EXISTS constraint_entries (
		collection TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		PRIMARY KEY (collection, field, value)
	);`)
	if err != nil {
		return WrapDBError(err)
	}

	return nil
}

// Begin starts a new transaction. It blocks until no other transaction is
// running.
func (st *Store) Begin(ctx context.Context, writable bool) (uniqdoc.Tx, error) {
	st.mtx.Lock()
	closed := st.closed
	st.mtx.Unlock()
	if closed {
		return nil, uniqdoc.ErrClosed
	}

	sqlTx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, WrapDBError(err)
	}

	return &tx{tx: sqlTx, writable: writable}, nil
}

// Close closes the database file. Calling Close on a closed Store has no
// effect.
func (st *Store) Close() error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	if err := st.db.Close(); err != nil {
		return fmt.Errorf("%s: %w", st.dbFilename, WrapDBError(err))
	}
	return nil
}

func (st *Store) String() string {
	return fmt.Sprintf("sqlite.Store<%s>", st.dbFilename)
}

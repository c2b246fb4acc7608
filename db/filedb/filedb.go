// Package filedb provides a DB that keeps all of its data in memory and saves
// it to a single data file on disk.
//
// Use [Open] to create a [Store] backed by a data file. Every write
// transaction rewrites the data file before its Commit returns, and a
// transaction whose data cannot be written fails and leaves both memory and
// disk as they were. The file is replaced atomically, so a crash mid-write
// never leaves a partial file behind.
//
// Locking and isolation are those of package inmem, which Store is built on.
package filedb

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/db/inmem"
)

// Store is a DB whose data is persisted to a data file. It must be created
// with [Open].
//
// Store is safe to use from multiple goroutines concurrently.
type Store struct {
	mem      *inmem.Store
	file     string
	compress bool
}

// Open creates a new Store that persists itself to the given data file. If the
// file already exists, its entire contents are loaded into the new Store. If
// it does not exist, it is created with an empty data set so that permission
// problems are found right away.
//
// If compress is true, the data file is written with zstd compression. Files
// are read correctly regardless of compress.
func Open(file string, compress bool) (*Store, error) {
	if file == "" {
		return nil, uniqdoc.NewError("data file must not be empty", uniqdoc.ErrBadArgument)
	}

	s := &Store{file: file, compress: compress}

	data, err := readDataFile(file)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, uniqdoc.WrapDBErrorf(err, "read %s", file)
	}

	if err == nil {
		s.mem, err = inmem.Import(data)
		if err != nil {
			return nil, uniqdoc.WrapDBErrorf(err, "load %s", file)
		}
	} else {
		s.mem = inmem.New()
		empty, err := s.mem.Export()
		if err != nil {
			return nil, uniqdoc.WrapDBError(err, "encode empty store")
		}
		if err := writeDataFile(file, empty, compress); err != nil {
			return nil, uniqdoc.WrapDBErrorf(err, "create %s", file)
		}
	}

	s.mem.SetCommitHook(s.writeCommitted)
	return s, nil
}

// ImportFile reads the data file at file and returns an in-memory Store holding
// its contents. The returned Store does not write back to file.
func ImportFile(file string) (*inmem.Store, error) {
	data, err := readDataFile(file)
	if err != nil {
		return nil, uniqdoc.WrapDBErrorf(err, "read %s", file)
	}
	return inmem.Import(data)
}

func (s *Store) writeCommitted(data []byte) error {
	return writeDataFile(s.file, data, s.compress)
}

// Begin starts a new transaction. Committing a write transaction writes the
// data file.
func (s *Store) Begin(ctx context.Context, writable bool) (uniqdoc.Tx, error) {
	return s.mem.Begin(ctx, writable)
}

// Export returns the current contents of the Store in data file format.
func (s *Store) Export() ([]byte, error) {
	data, err := s.mem.Export()
	if err != nil {
		return nil, err
	}
	return encodeFile(data, s.compress), nil
}

// Persist writes the current contents of the Store to its data file. Commits
// already do this, so it is only needed to recreate a data file that was
// removed or damaged out from under the Store.
func (s *Store) Persist() error {
	data, err := s.mem.Export()
	if err != nil {
		return err
	}
	if err := writeDataFile(s.file, data, s.compress); err != nil {
		return uniqdoc.WrapDBErrorf(err, "persist %s", s.file)
	}
	return nil
}

// Close ends the Store. After Close returns, the Store cannot be used again.
// Calling Close on a closed Store has no effect.
func (s *Store) Close() error {
	return s.mem.Close()
}

// File returns the path of the data file.
func (s *Store) File() string {
	return s.file
}

func (s *Store) String() string {
	if s == nil {
		return "filedb.Store<nil>"
	}
	mode := "plain"
	if s.compress {
		mode = "zstd"
	}
	return fmt.Sprintf("filedb.Store<%s, %s, %s>", s.file, mode, s.mem)
}

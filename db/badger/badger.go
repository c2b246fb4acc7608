// Package badger provides a DB backed by a BadgerDB key-value store.
//
// Documents and constraint entries are stored under separate key prefixes and
// encoded with msgpack. Badger transactions are optimistic, so on their own
// two writers could both see a value as free; Store additionally lets only one
// write transaction run at a time, and any conflict Badger still reports on
// commit is returned as an error matching uniqdoc.ErrConflict.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dekarrin/uniqdoc"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	prefixDocument byte = 'd'
	prefixEntry    byte = 'e'
)

// Store is a DB in a Badger database. Call [Open] or [OpenInMemory] to get one.
type Store struct {
	db  *badger.DB
	dir string

	// writeMtx is held by a write transaction from Begin until it ends.
	writeMtx sync.Mutex

	mtx    sync.RWMutex
	closed bool
}

// Open opens or creates the Badger database in dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, uniqdoc.NewError("data directory must not be empty", uniqdoc.ErrBadArgument)
	}

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, uniqdoc.WrapDBErrorf(err, "open %s", dir)
	}
	return &Store{db: db, dir: dir}, nil
}

// OpenInMemory opens a Badger database that is never written to disk.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, uniqdoc.WrapDBError(err, "open in-memory")
	}
	return &Store{db: db}, nil
}

// Begin starts a new transaction. A write transaction blocks until every other
// write transaction has ended.
func (s *Store) Begin(ctx context.Context, writable bool) (uniqdoc.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if writable {
		s.writeMtx.Lock()
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.closed {
		if writable {
			s.writeMtx.Unlock()
		}
		return nil, uniqdoc.ErrClosed
	}

	return &tx{s: s, txn: s.db.NewTransaction(writable), writable: writable}, nil
}

// Close closes the Badger database. Calling Close on a closed Store has no
// effect.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return uniqdoc.WrapDBError(err, "close")
	}
	return nil
}

func (s *Store) String() string {
	if s.dir == "" {
		return "badger.Store<in-memory>"
	}
	return fmt.Sprintf("badger.Store<%s>", s.dir)
}

// docRecord is the stored form of a document. The ID is in the key.
type docRecord struct {
	Collection string         `msgpack:"c"`
	Fields     map[string]any `msgpack:"f"`
}

// entryRecord is the stored form of a constraint entry. The key parts are
// repeated here so that a scan need not parse keys.
type entryRecord struct {
	Collection string `msgpack:"c"`
	Field      string `msgpack:"f"`
	Value      string `msgpack:"v"`
	ID         string `msgpack:"id"`
}

func documentKey(id string) []byte {
	return append([]byte{prefixDocument, 0}, id...)
}

func entryKey(k uniqdoc.EntryKey) []byte {
	return append([]byte{prefixEntry, 0}, k.Path()...)
}

func encodeRecord(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, uniqdoc.NewError(fmt.Sprintf("encode: %s", err), uniqdoc.ErrBadArgument)
	}
	return data, nil
}

// decodeRecord decodes msgpack data into v. Integers in interface values come
// back as int64 or uint64 regardless of their encoded width.
func decodeRecord(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return uniqdoc.NewError(err.Error(), uniqdoc.ErrDecodingFailure)
	}
	return nil
}

// wrapBadgerError converts err from Badger for return to callers.
func wrapBadgerError(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return uniqdoc.NewError("concurrent transaction modified the same keys", uniqdoc.ErrConflict, uniqdoc.ErrDB)
	}
	return uniqdoc.WrapDBError(err)
}

// Package inmem provides an in-memory storage engine for documents and their
// constraint entries.
//
// Write transactions hold the Store's write lock from Begin until Commit or
// Rollback and buffer their changes in an overlay, so a check made inside a
// write transaction cannot be invalidated by another writer before the
// transaction ends. Read transactions hold the read lock and only ever see
// committed state.
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dekarrin/rezi/v2"
	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/ordering"
)

// CommitHook is called by a committing write transaction after its changes
// have been applied but before they are visible to anyone else. It receives
// the complete encoded Store, as from [Store.Export]. If it returns an
// error, the changes are reverted and the commit fails.
type CommitHook func(data []byte) error

// Store is an in-memory DB. The zero-value is ready for use.
//
// Store is safe to use from multiple goroutines concurrently. Store must not
// be copied once created.
type Store struct {
	mtx    sync.RWMutex
	closed bool
	hook   CommitHook

	docs    map[string]uniqdoc.Document
	entries map[uniqdoc.EntryKey]string
}

// New creates a new empty Store.
func New() *Store {
	return &Store{
		docs:    map[string]uniqdoc.Document{},
		entries: map[uniqdoc.EntryKey]string{},
	}
}

// Import loads the given data bytes into a new Store. The data bytes must have
// been created by a prior call to [Store.Export].
func Import(data []byte) (*Store, error) {
	s := New()

	_, err := rezi.Dec(data, s)
	return s, err
}

// SetCommitHook sets the function called on every write commit. Passing nil
// removes any hook.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.hook = hook
}

func (s *Store) initUnsafe() {
	if s.docs == nil {
		s.docs = map[string]uniqdoc.Document{}
	}
	if s.entries == nil {
		s.entries = map[uniqdoc.EntryKey]string{}
	}
}

// Begin starts a new transaction. It blocks until the needed lock is
// available; ctx is checked before and after acquiring it.
func (s *Store) Begin(ctx context.Context, writable bool) (uniqdoc.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if writable {
		s.mtx.Lock()
	} else {
		s.mtx.RLock()
	}

	t := &tx{s: s, writable: writable}

	if s.closed {
		t.release()
		return nil, uniqdoc.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return nil, err
	}

	if writable {
		s.initUnsafe()
		t.docs = map[string]*uniqdoc.Document{}
		t.entries = map[uniqdoc.EntryKey]*string{}
	}

	return t, nil
}

// Close ends the Store. After Close returns, the Store cannot be used again.
// Calling Close on a closed Store has no effect.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	return nil
}

// Export returns all data as bytes that can later be loaded with [Import].
func (s *Store) Export() ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.closed {
		return nil, uniqdoc.ErrClosed
	}

	return rezi.Enc(s)
}

// MarshalBinary converts the store to a binary representation of itself.
//
// This function is not concurrent safe and requires a read lock. Users of
// Store should prefer calling [Store.Export], which obtains one.
func (s *Store) MarshalBinary() ([]byte, error) {
	if s == nil {
		return []byte{}, nil
	}

	docs := make([]uniqdoc.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	docs = ordering.By(docs, func(left, right uniqdoc.Document) bool {
		return left.ID < right.ID
	})

	entries := make([]entryRecord, 0, len(s.entries))
	for k, id := range s.entries {
		entries = append(entries, entryRecord{Key: k, ID: id})
	}
	entries = ordering.By(entries, entryRecord.less)

	var enc []byte

	enc = append(enc, rezi.MustEnc(docs)...)
	enc = append(enc, rezi.MustEnc(entries)...)

	return enc, nil
}

// UnmarshalBinary replaces the contents of the Store with the binary
// representation at the start of data.
//
// This function is not concurrent safe and requires a write lock.
func (s *Store) UnmarshalBinary(data []byte) error {
	if s == nil {
		return fmt.Errorf("cannot unmarshal to nil Store")
	}

	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var docs []uniqdoc.Document
	var entries []entryRecord

	err = rr.Dec(&docs)
	if err != nil {
		return rezi.Wrapf(0, "docs: %s", err)
	}
	err = rr.Dec(&entries)
	if err != nil {
		return rezi.Wrapf(0, "entries: %s", err)
	}

	s.docs = make(map[string]uniqdoc.Document, len(docs))
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	s.entries = make(map[uniqdoc.EntryKey]string, len(entries))
	for _, e := range entries {
		s.entries[e.Key] = e.ID
	}

	return nil
}

func (s *Store) String() string {
	if s == nil {
		return "Store<nil>"
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var sb strings.Builder

	sb.WriteString("Store<")
	if s.closed {
		sb.WriteString("(CLOSED), ")
	}
	sb.WriteString(fmt.Sprintf("%d docs, %d entries", len(s.docs), len(s.entries)))
	sb.WriteRune('>')
	return sb.String()
}

// entryRecord is the stored form of one constraint entry.
type entryRecord struct {
	Key uniqdoc.EntryKey
	ID  string
}

func (e entryRecord) less(o entryRecord) bool {
	return ordering.EntryKeys(e.Key, o.Key)
}

func (e entryRecord) MarshalBinary() ([]byte, error) {
	var enc []byte

	enc = append(enc, rezi.MustEnc(e.Key.Collection)...)
	enc = append(enc, rezi.MustEnc(e.Key.Field)...)
	enc = append(enc, rezi.MustEnc(e.Key.Value)...)
	enc = append(enc, rezi.MustEnc(e.ID)...)

	return enc, nil
}

func (e *entryRecord) UnmarshalBinary(data []byte) error {
	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var decoded entryRecord

	if err := rr.Dec(&decoded.Key.Collection); err != nil {
		return rezi.Wrapf(0, "collection: %s", err)
	}
	if err := rr.Dec(&decoded.Key.Field); err != nil {
		return rezi.Wrapf(0, "field: %s", err)
	}
	if err := rr.Dec(&decoded.Key.Value); err != nil {
		return rezi.Wrapf(0, "value: %s", err)
	}
	if err := rr.Dec(&decoded.ID); err != nil {
		return rezi.Wrapf(0, "id: %s", err)
	}

	*e = decoded
	return nil
}

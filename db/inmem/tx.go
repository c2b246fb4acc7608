package inmem

import (
	"context"
	"fmt"
	"sort"

	"github.com/dekarrin/rezi/v2"
	"github.com/dekarrin/uniqdoc"
)

var errTxDone = uniqdoc.NewError("transaction has already been committed or rolled back", uniqdoc.ErrBadArgument)

// tx is a transaction on a Store. A writable tx buffers changes in docs and
// entries; a nil value in either map marks a deletion.
type tx struct {
	s        *Store
	writable bool
	done     bool

	docs    map[string]*uniqdoc.Document
	entries map[uniqdoc.EntryKey]*string
}

func (t *tx) release() {
	if t.writable {
		t.s.mtx.Unlock()
	} else {
		t.s.mtx.RUnlock()
	}
}

func (t *tx) usable(mutating bool) error {
	if t.done {
		return errTxDone
	}
	if mutating && !t.writable {
		return uniqdoc.ErrReadOnlyTx
	}
	return nil
}

func (t *tx) getDoc(id string) (uniqdoc.Document, bool) {
	if pending, ok := t.docs[id]; ok {
		if pending == nil {
			return uniqdoc.Document{}, false
		}
		return *pending, true
	}
	d, ok := t.s.docs[id]
	return d, ok
}

func (t *tx) getEntry(key uniqdoc.EntryKey) (string, bool) {
	if pending, ok := t.entries[key]; ok {
		if pending == nil {
			return "", false
		}
		return *pending, true
	}
	id, ok := t.s.entries[key]
	return id, ok
}

func (t *tx) GetDocument(ctx context.Context, id string) (uniqdoc.Document, error) {
	if err := t.usable(false); err != nil {
		return uniqdoc.Document{}, err
	}

	d, ok := t.getDoc(id)
	if !ok {
		return uniqdoc.Document{}, uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
	}
	return d.Clone(), nil
}

func (t *tx) PutDocument(ctx context.Context, doc uniqdoc.Document) error {
	if err := t.usable(true); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	stored := doc.Clone()
	t.docs[doc.ID] = &stored
	return nil
}

func (t *tx) DeleteDocument(ctx context.Context, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}
	if _, ok := t.getDoc(id); !ok {
		return uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
	}

	t.docs[id] = nil
	return nil
}

func (t *tx) ScanDocuments(ctx context.Context, fn func(uniqdoc.Document) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	ids := make([]string, 0, len(t.s.docs)+len(t.docs))
	for id := range t.s.docs {
		if _, pending := t.docs[id]; !pending {
			ids = append(ids, id)
		}
	}
	for id, d := range t.docs {
		if d != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, _ := t.getDoc(id)
		if err := fn(d.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) LookupEntry(ctx context.Context, key uniqdoc.EntryKey) (string, error) {
	if err := t.usable(false); err != nil {
		return "", err
	}

	id, ok := t.getEntry(key)
	if !ok {
		return "", uniqdoc.NewError(key.String(), uniqdoc.ErrNotFound)
	}
	return id, nil
}

func (t *tx) PutEntry(ctx context.Context, key uniqdoc.EntryKey, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	if owner, ok := t.getEntry(key); ok {
		if owner != id {
			return &uniqdoc.ConflictError{Key: key, ExistingID: owner}
		}
		return nil
	}

	owner := id
	t.entries[key] = &owner
	return nil
}

func (t *tx) RemoveEntry(ctx context.Context, key uniqdoc.EntryKey) error {
	if err := t.usable(true); err != nil {
		return err
	}

	t.entries[key] = nil
	return nil
}

func (t *tx) ScanEntries(ctx context.Context, fn func(uniqdoc.EntryKey, string) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	recs := make([]entryRecord, 0, len(t.s.entries)+len(t.entries))
	for k, id := range t.s.entries {
		if _, pending := t.entries[k]; !pending {
			recs = append(recs, entryRecord{Key: k, ID: id})
		}
	}
	for k, id := range t.entries {
		if id != nil {
			recs = append(recs, entryRecord{Key: k, ID: *id})
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].less(recs[j])
	})

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.Key, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// Commit applies all buffered changes to the Store and runs the commit hook,
// if any. If the hook fails, every change is reverted before the lock is
// released, so no reader ever observes them.
func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.release()

	if !t.writable {
		return nil
	}

	s := t.s

	undoDocs := make(map[string]*uniqdoc.Document, len(t.docs))
	for id, d := range t.docs {
		if old, ok := s.docs[id]; ok {
			undoDocs[id] = &old
		} else {
			undoDocs[id] = nil
		}

		if d == nil {
			delete(s.docs, id)
		} else {
			s.docs[id] = *d
		}
	}

	undoEntries := make(map[uniqdoc.EntryKey]*string, len(t.entries))
	for k, id := range t.entries {
		if old, ok := s.entries[k]; ok {
			undoEntries[k] = &old
		} else {
			undoEntries[k] = nil
		}

		if id == nil {
			delete(s.entries, k)
		} else {
			s.entries[k] = *id
		}
	}

	if s.hook == nil {
		return nil
	}

	data, err := rezi.Enc(s)
	if err == nil {
		err = s.hook(data)
	}
	if err != nil {
		for id, d := range undoDocs {
			if d == nil {
				delete(s.docs, id)
			} else {
				s.docs[id] = *d
			}
		}
		for k, id := range undoEntries {
			if id == nil {
				delete(s.entries, k)
			} else {
				s.entries[k] = *id
			}
		}
		return uniqdoc.WrapDBError(err, "commit")
	}

	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

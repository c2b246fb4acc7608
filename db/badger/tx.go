package badger

import (
	"context"
	"fmt"

	"github.com/dekarrin/uniqdoc"
	"github.com/dgraph-io/badger/v4"
)

type tx struct {
	s        *Store
	txn      *badger.Txn
	writable bool
	done     bool
}

func (t *tx) usable(mutating bool) error {
	if t.done {
		return uniqdoc.NewError("transaction has already been committed or rolled back", uniqdoc.ErrBadArgument)
	}
	if mutating && !t.writable {
		return uniqdoc.ErrReadOnlyTx
	}
	return nil
}

func (t *tx) finish() {
	t.done = true
	if t.writable {
		t.s.writeMtx.Unlock()
	}
}

func (t *tx) getDoc(id string) (uniqdoc.Document, error) {
	item, err := t.txn.Get(documentKey(id))
	if err == badger.ErrKeyNotFound {
		return uniqdoc.Document{}, uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
	}
	if err != nil {
		return uniqdoc.Document{}, wrapBadgerError(err)
	}

	var rec docRecord
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	if err != nil {
		return uniqdoc.Document{}, fmt.Errorf("document %q: %w", id, err)
	}

	doc := uniqdoc.Document{ID: id, Collection: rec.Collection, Fields: rec.Fields}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	return doc, nil
}

func (t *tx) GetDocument(ctx context.Context, id string) (uniqdoc.Document, error) {
	if err := t.usable(false); err != nil {
		return uniqdoc.Document{}, err
	}
	return t.getDoc(id)
}

func (t *tx) PutDocument(ctx context.Context, doc uniqdoc.Document) error {
	if err := t.usable(true); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	data, err := encodeRecord(docRecord{Collection: doc.Collection, Fields: doc.Fields})
	if err != nil {
		return fmt.Errorf("document %q: %w", doc.ID, err)
	}
	if err := t.txn.Set(documentKey(doc.ID), data); err != nil {
		return wrapBadgerError(err)
	}
	return nil
}

func (t *tx) DeleteDocument(ctx context.Context, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	_, err := t.txn.Get(documentKey(id))
	if err == badger.ErrKeyNotFound {
		return uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
	}
	if err != nil {
		return wrapBadgerError(err)
	}

	if err := t.txn.Delete(documentKey(id)); err != nil {
		return wrapBadgerError(err)
	}
	return nil
}

func (t *tx) ScanDocuments(ctx context.Context, fn func(uniqdoc.Document) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	prefix := []byte{prefixDocument, 0}
	var all []uniqdoc.Document

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id := string(item.Key()[len(prefix):])

		var rec docRecord
		err := item.Value(func(val []byte) error {
			return decodeRecord(val, &rec)
		})
		if err != nil {
			it.Close()
			return fmt.Errorf("document %q: %w", id, err)
		}
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}
		all = append(all, uniqdoc.Document{ID: id, Collection: rec.Collection, Fields: rec.Fields})
	}
	it.Close()

	// a read-write txn allows only one open iterator, so fn is called after
	// the iterator is closed.
	for _, doc := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) lookup(key uniqdoc.EntryKey) (string, bool, error) {
	item, err := t.txn.Get(entryKey(key))
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapBadgerError(err)
	}

	var rec entryRecord
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", key, err)
	}
	return rec.ID, true, nil
}

func (t *tx) LookupEntry(ctx context.Context, key uniqdoc.EntryKey) (string, error) {
	if err := t.usable(false); err != nil {
		return "", err
	}

	id, ok, err := t.lookup(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", uniqdoc.NewError(key.String(), uniqdoc.ErrNotFound)
	}
	return id, nil
}

func (t *tx) PutEntry(ctx context.Context, key uniqdoc.EntryKey, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	owner, ok, err := t.lookup(key)
	if err != nil {
		return err
	}
	if ok {
		if owner != id {
			return &uniqdoc.ConflictError{Key: key, ExistingID: owner}
		}
		return nil
	}

	data, err := encodeRecord(entryRecord{Collection: key.Collection, Field: key.Field, Value: key.Value, ID: id})
	if err != nil {
		return err
	}
	if err := t.txn.Set(entryKey(key), data); err != nil {
		return wrapBadgerError(err)
	}
	return nil
}

func (t *tx) RemoveEntry(ctx context.Context, key uniqdoc.EntryKey) error {
	if err := t.usable(true); err != nil {
		return err
	}

	if err := t.txn.Delete(entryKey(key)); err != nil {
		return wrapBadgerError(err)
	}
	return nil
}

func (t *tx) ScanEntries(ctx context.Context, fn func(uniqdoc.EntryKey, string) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	prefix := []byte{prefixEntry, 0}
	var all []entryRecord

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec entryRecord
		err := it.Item().Value(func(val []byte) error {
			return decodeRecord(val, &rec)
		})
		if err != nil {
			it.Close()
			return err
		}
		all = append(all, rec)
	}
	it.Close()

	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := uniqdoc.EntryKey{Collection: rec.Collection, Field: rec.Field, Value: rec.Value}
		if err := fn(key, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Commit() error {
	if err := t.usable(false); err != nil {
		return err
	}
	defer t.finish()

	if !t.writable {
		t.txn.Discard()
		return nil
	}

	if err := t.txn.Commit(); err != nil {
		return wrapBadgerError(err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.finish()

	t.txn.Discard()
	return nil
}

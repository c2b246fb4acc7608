package constraint

import (
	"context"
	"errors"

	"github.com/dekarrin/uniqdoc"
)

// Index is the constraint entry mapping as seen through one storage
// transaction. It has no transaction logic of its own; every call is part of
// whatever transaction the wrapped IndexStore belongs to.
type Index struct {
	store uniqdoc.IndexStore
}

// NewIndex returns an Index over the entries in store.
func NewIndex(store uniqdoc.IndexStore) Index {
	return Index{store: store}
}

// Lookup returns the ID of the document that owns key. found is false if no
// document does.
func (idx Index) Lookup(ctx context.Context, key uniqdoc.EntryKey) (id string, found bool, err error) {
	id, err = idx.store.LookupEntry(ctx, key)
	if err != nil {
		if errors.Is(err, uniqdoc.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// Put makes id the owner of key. If key is already owned by another document,
// the returned error is a *uniqdoc.ConflictError.
func (idx Index) Put(ctx context.Context, key uniqdoc.EntryKey, id string) error {
	return idx.store.PutEntry(ctx, key, id)
}

// Remove deletes key. It is not an error if key does not exist.
func (idx Index) Remove(ctx context.Context, key uniqdoc.EntryKey) error {
	return idx.store.RemoveEntry(ctx, key)
}

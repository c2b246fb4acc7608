// Package dbtest holds behavior tests shared by every storage engine. Engine
// packages call Run from their own tests with a function that opens a fresh,
// empty DB.
package dbtest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/dekarrin/uniqdoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a new empty DB. It should register any cleanup it needs with
// t.Cleanup.
type Opener func(t *testing.T) uniqdoc.DB

var (
	keyGtinA = uniqdoc.EntryKey{Collection: "Products", Field: "Gtin", Value: "s:ABC12345"}
	keyGtinB = uniqdoc.EntryKey{Collection: "Products", Field: "Gtin", Value: "s:XYZ12345"}
)

func product(id, gtin string) uniqdoc.Document {
	return uniqdoc.Document{
		ID:         id,
		Collection: "Products",
		Fields:     map[string]any{"Gtin": gtin, "Name": "product " + id},
	}
}

// Run executes the shared engine tests against DBs returned by open.
func Run(t *testing.T, open Opener) {
	ctx := context.Background()

	t.Run("get missing document", func(t *testing.T) {
		db := open(t)
		tx := begin(t, db, false)
		defer tx.Rollback()

		_, err := tx.GetDocument(ctx, "nope")
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
	})

	t.Run("put is visible in tx and after commit", func(t *testing.T) {
		assert := assert.New(t)
		db := open(t)

		tx := begin(t, db, true)
		require.NoError(t, tx.PutDocument(ctx, product("p1", "ABC12345")))

		inTx, err := tx.GetDocument(ctx, "p1")
		require.NoError(t, err)
		assert.Equal("ABC12345", inTx.Get("Gtin"))
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		actual, err := tx.GetDocument(ctx, "p1")
		require.NoError(t, err)
		assert.Equal("p1", actual.ID)
		assert.Equal("Products", actual.Collection)
		assert.Equal("ABC12345", actual.Get("Gtin"))
		assert.Equal("product p1", actual.Get("Name"))
	})

	t.Run("put replaces existing document", func(t *testing.T) {
		assert := assert.New(t)
		db := open(t)
		seed(t, db, product("p1", "ABC12345"))

		replacement := product("p1", "XYZ12345")
		delete(replacement.Fields, "Name")
		tx := begin(t, db, true)
		require.NoError(t, tx.PutDocument(ctx, replacement))
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		actual, err := tx.GetDocument(ctx, "p1")
		require.NoError(t, err)
		assert.Equal("XYZ12345", actual.Get("Gtin"))
		assert.Nil(actual.Get("Name"))
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		db := open(t)

		tx := begin(t, db, true)
		require.NoError(t, tx.PutDocument(ctx, product("p1", "ABC12345")))
		require.NoError(t, tx.PutEntry(ctx, keyGtinA, "p1"))
		require.NoError(t, tx.Rollback())

		tx = begin(t, db, false)
		defer tx.Rollback()
		_, err := tx.GetDocument(ctx, "p1")
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
		_, err = tx.LookupEntry(ctx, keyGtinA)
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
	})

	t.Run("rollback after commit is a no-op", func(t *testing.T) {
		db := open(t)

		tx := begin(t, db, true)
		require.NoError(t, tx.PutDocument(ctx, product("p1", "ABC12345")))
		require.NoError(t, tx.Commit())
		assert.NoError(t, tx.Rollback())
		assert.NoError(t, tx.Rollback())

		tx = begin(t, db, false)
		defer tx.Rollback()
		_, err := tx.GetDocument(ctx, "p1")
		assert.NoError(t, err)
	})

	t.Run("delete document", func(t *testing.T) {
		db := open(t)
		seed(t, db, product("p1", "ABC12345"))

		tx := begin(t, db, true)
		require.NoError(t, tx.DeleteDocument(ctx, "p1"))
		_, err := tx.GetDocument(ctx, "p1")
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		_, err = tx.GetDocument(ctx, "p1")
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
	})

	t.Run("delete missing document", func(t *testing.T) {
		db := open(t)
		tx := begin(t, db, true)
		defer tx.Rollback()

		err := tx.DeleteDocument(ctx, "nope")
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
	})

	t.Run("entry put and lookup", func(t *testing.T) {
		db := open(t)

		tx := begin(t, db, true)
		require.NoError(t, tx.PutEntry(ctx, keyGtinA, "p1"))
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		owner, err := tx.LookupEntry(ctx, keyGtinA)
		require.NoError(t, err)
		assert.Equal(t, "p1", owner)

		_, err = tx.LookupEntry(ctx, keyGtinB)
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
	})

	t.Run("entry put by same owner is a no-op", func(t *testing.T) {
		db := open(t)
		seedEntry(t, db, keyGtinA, "p1")

		tx := begin(t, db, true)
		defer tx.Rollback()
		assert.NoError(t, tx.PutEntry(ctx, keyGtinA, "p1"))
	})

	t.Run("entry put by other owner conflicts", func(t *testing.T) {
		assert := assert.New(t)
		db := open(t)
		seedEntry(t, db, keyGtinA, "p1")

		tx := begin(t, db, true)
		defer tx.Rollback()
		err := tx.PutEntry(ctx, keyGtinA, "p2")
		assert.ErrorIs(err, uniqdoc.ErrConflict)

		var conflict *uniqdoc.ConflictError
		if assert.True(errors.As(err, &conflict)) {
			assert.Equal(keyGtinA, conflict.Key)
			assert.Equal("p1", conflict.ExistingID)
		}
	})

	t.Run("entry put conflicts with pending put in same tx", func(t *testing.T) {
		db := open(t)

		tx := begin(t, db, true)
		defer tx.Rollback()
		require.NoError(t, tx.PutEntry(ctx, keyGtinA, "p1"))
		assert.ErrorIs(t, tx.PutEntry(ctx, keyGtinA, "p2"), uniqdoc.ErrConflict)
	})

	t.Run("entry remove frees the value", func(t *testing.T) {
		db := open(t)
		seedEntry(t, db, keyGtinA, "p1")

		tx := begin(t, db, true)
		require.NoError(t, tx.RemoveEntry(ctx, keyGtinA))
		require.NoError(t, tx.PutEntry(ctx, keyGtinA, "p2"))
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		owner, err := tx.LookupEntry(ctx, keyGtinA)
		require.NoError(t, err)
		assert.Equal(t, "p2", owner)
	})

	t.Run("entry remove of missing key is a no-op", func(t *testing.T) {
		db := open(t)
		tx := begin(t, db, true)
		defer tx.Rollback()

		assert.NoError(t, tx.RemoveEntry(ctx, keyGtinB))
	})

	t.Run("put rejects fields that cannot be stored", func(t *testing.T) {
		db := open(t)

		doc := product("p1", "ABC12345")
		doc.Fields["Serial"] = uint64(math.MaxUint64)
		tx := begin(t, db, true)
		err := tx.PutDocument(ctx, doc)
		assert.ErrorIs(t, err, uniqdoc.ErrBadArgument)
		assert.NotErrorIs(t, err, uniqdoc.ErrDB)
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		_, err = tx.GetDocument(ctx, "p1")
		assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
	})

	t.Run("keys differing only in separator placement stay distinct", func(t *testing.T) {
		assert := assert.New(t)
		db := open(t)
		left := uniqdoc.EntryKey{Collection: "a#b", Field: "c", Value: "s:X"}
		right := uniqdoc.EntryKey{Collection: "a", Field: "b#c", Value: "s:X"}
		third := uniqdoc.EntryKey{Collection: "a", Field: "b", Value: "s:c#X"}

		tx := begin(t, db, true)
		require.NoError(t, tx.PutEntry(ctx, left, "d1"))
		require.NoError(t, tx.PutEntry(ctx, right, "d2"))
		require.NoError(t, tx.PutEntry(ctx, third, "d3"))
		require.NoError(t, tx.Commit())

		tx = begin(t, db, false)
		defer tx.Rollback()
		for key, expect := range map[uniqdoc.EntryKey]string{left: "d1", right: "d2", third: "d3"} {
			owner, err := tx.LookupEntry(ctx, key)
			if assert.NoError(err, key.String()) {
				assert.Equal(expect, owner, key.String())
			}
		}

		owners := map[uniqdoc.EntryKey]string{}
		err := tx.ScanEntries(ctx, func(k uniqdoc.EntryKey, id string) error {
			owners[k] = id
			return nil
		})
		require.NoError(t, err)
		assert.Len(owners, 3)
	})

	t.Run("read-only tx rejects writes", func(t *testing.T) {
		assert := assert.New(t)
		db := open(t)
		tx := begin(t, db, false)
		defer tx.Rollback()

		assert.ErrorIs(tx.PutDocument(ctx, product("p1", "ABC12345")), uniqdoc.ErrBadArgument)
		assert.ErrorIs(tx.DeleteDocument(ctx, "p1"), uniqdoc.ErrBadArgument)
		assert.ErrorIs(tx.PutEntry(ctx, keyGtinA, "p1"), uniqdoc.ErrBadArgument)
		assert.ErrorIs(tx.RemoveEntry(ctx, keyGtinA), uniqdoc.ErrBadArgument)
	})

	t.Run("scan documents and entries", func(t *testing.T) {
		assert := assert.New(t)
		db := open(t)
		seed(t, db, product("p1", "ABC12345"), product("p2", "XYZ12345"))
		seedEntry(t, db, keyGtinA, "p1")
		seedEntry(t, db, keyGtinB, "p2")

		tx := begin(t, db, true)
		defer tx.Rollback()
		require.NoError(t, tx.PutDocument(ctx, product("p3", "DEF")))
		require.NoError(t, tx.DeleteDocument(ctx, "p1"))

		var ids []string
		err := tx.ScanDocuments(ctx, func(d uniqdoc.Document) error {
			ids = append(ids, d.ID)
			return nil
		})
		require.NoError(t, err)
		assert.ElementsMatch([]string{"p2", "p3"}, ids)

		owners := map[uniqdoc.EntryKey]string{}
		err = tx.ScanEntries(ctx, func(k uniqdoc.EntryKey, id string) error {
			owners[k] = id
			return nil
		})
		require.NoError(t, err)
		assert.Equal(map[uniqdoc.EntryKey]string{keyGtinA: "p1", keyGtinB: "p2"}, owners)
	})

	t.Run("scan stops on callback error", func(t *testing.T) {
		db := open(t)
		seed(t, db, product("p1", "ABC12345"), product("p2", "XYZ12345"))

		tx := begin(t, db, false)
		defer tx.Rollback()

		stop := errors.New("stop")
		calls := 0
		err := tx.ScanDocuments(ctx, func(d uniqdoc.Document) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("begin after close", func(t *testing.T) {
		db := open(t)
		require.NoError(t, db.Close())

		_, err := db.Begin(ctx, true)
		assert.Error(t, err)
	})
}

func begin(t *testing.T, db uniqdoc.DB, writable bool) uniqdoc.Tx {
	t.Helper()
	tx, err := db.Begin(context.Background(), writable)
	require.NoError(t, err)
	return tx
}

func seed(t *testing.T, db uniqdoc.DB, docs ...uniqdoc.Document) {
	t.Helper()
	tx := begin(t, db, true)
	for _, d := range docs {
		require.NoError(t, tx.PutDocument(context.Background(), d))
	}
	require.NoError(t, tx.Commit())
}

func seedEntry(t *testing.T, db uniqdoc.DB, key uniqdoc.EntryKey, id string) {
	t.Helper()
	tx := begin(t, db, true)
	require.NoError(t, tx.PutEntry(context.Background(), key, id))
	require.NoError(t, tx.Commit())
}

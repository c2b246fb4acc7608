package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Store(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) uniqdoc.DB {
		s := New()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func Test_Store_ZeroValue(t *testing.T) {
	var s Store
	ctx := context.Background()

	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.PutDocument(ctx, uniqdoc.Document{ID: "a", Collection: "C"}))
	assert.NoError(t, tx.Commit())
}

func Test_Store_Begin_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Begin(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)

	// lock must not be held
	tx, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	assert.NoError(t, tx.Rollback())
}

func Test_Store_CommitHook(t *testing.T) {
	testCases := []struct {
		name      string
		hookErr   error
		expectDoc bool
	}{
		{
			name:      "hook success keeps changes",
			expectDoc: true,
		},
		{
			name:      "hook failure reverts changes",
			hookErr:   errors.New("disk full"),
			expectDoc: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			s := New()
			seedTx, err := s.Begin(ctx, true)
			require.NoError(t, err)
			require.NoError(t, seedTx.PutEntry(ctx, uniqdoc.EntryKey{Collection: "C", Field: "F", Value: "s:old"}, "a"))
			require.NoError(t, seedTx.Commit())

			var hookData []byte
			s.SetCommitHook(func(data []byte) error {
				hookData = data
				return tc.hookErr
			})

			tx, err := s.Begin(ctx, true)
			require.NoError(t, err)
			require.NoError(t, tx.PutDocument(ctx, uniqdoc.Document{ID: "a", Collection: "C", Fields: map[string]any{"F": "new"}}))
			require.NoError(t, tx.RemoveEntry(ctx, uniqdoc.EntryKey{Collection: "C", Field: "F", Value: "s:old"}))
			require.NoError(t, tx.PutEntry(ctx, uniqdoc.EntryKey{Collection: "C", Field: "F", Value: "s:new"}, "a"))

			err = tx.Commit()
			if tc.hookErr != nil {
				assert.ErrorIs(err, tc.hookErr)
				assert.ErrorIs(err, uniqdoc.ErrDB)
			} else {
				assert.NoError(err)
			}
			assert.NotEmpty(hookData)

			rtx, err := s.Begin(ctx, false)
			require.NoError(t, err)
			defer rtx.Rollback()

			_, err = rtx.GetDocument(ctx, "a")
			_, oldErr := rtx.LookupEntry(ctx, uniqdoc.EntryKey{Collection: "C", Field: "F", Value: "s:old"})
			_, newErr := rtx.LookupEntry(ctx, uniqdoc.EntryKey{Collection: "C", Field: "F", Value: "s:new"})
			if tc.expectDoc {
				assert.NoError(err)
				assert.ErrorIs(oldErr, uniqdoc.ErrNotFound)
				assert.NoError(newErr)
			} else {
				assert.ErrorIs(err, uniqdoc.ErrNotFound)
				assert.NoError(oldErr)
				assert.ErrorIs(newErr, uniqdoc.ErrNotFound)
			}
		})
	}
}

func Test_Store_ExportImport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := New()
	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.PutDocument(ctx, uniqdoc.Document{ID: "b5d19a6c", Collection: "Products", Fields: map[string]any{"Gtin": "ABC12345", "Name": "Product 1"}}))
	require.NoError(t, tx.PutDocument(ctx, uniqdoc.Document{ID: "1a2aece7", Collection: "Products", Fields: map[string]any{"Gtin": "XYZ12345"}}))
	require.NoError(t, tx.PutEntry(ctx, uniqdoc.EntryKey{Collection: "Products", Field: "Gtin", Value: "s:ABC12345"}, "b5d19a6c"))
	require.NoError(t, tx.PutEntry(ctx, uniqdoc.EntryKey{Collection: "Products", Field: "Gtin", Value: "s:XYZ12345"}, "1a2aece7"))
	require.NoError(t, tx.Commit())

	data, err := s.Export()
	require.NoError(t, err)

	imported, err := Import(data)
	require.NoError(t, err)

	assert.Equal(s.docs, imported.docs)
	assert.Equal(s.entries, imported.entries)
	assert.Equal("Store<2 docs, 2 entries>", imported.String())
}

func Test_Store_Export_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Export()
	assert.ErrorIs(t, err, uniqdoc.ErrClosed)
	assert.Equal(t, "Store<(CLOSED), 0 docs, 0 entries>", s.String())
}

func Test_tx_Finished(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := New()

	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(tx.Commit(), uniqdoc.ErrBadArgument)
	_, err = tx.GetDocument(ctx, "a")
	assert.ErrorIs(err, uniqdoc.ErrBadArgument)
}

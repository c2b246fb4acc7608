package dynamo

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/constraint"
	"github.com/dekarrin/uniqdoc/internal/dbtest"
	"github.com/dekarrin/uniqdoc/internal/ddbfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkOf(key map[string]types.AttributeValue) string {
	return key[attrPK].(*types.AttributeValueMemberS).Value
}

func Test_Store(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) uniqdoc.DB {
		s, err := New(ddbfake.New(), "uniqdoc")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func Test_New(t *testing.T) {
	testCases := []struct {
		name      string
		client    DDBClient
		table     string
		expectErr bool
	}{
		{name: "valid", client: ddbfake.New(), table: "uniqdoc"},
		{name: "nil client", table: "uniqdoc", expectErr: true},
		{name: "empty table", client: ddbfake.New(), expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.client, tc.table)
			if tc.expectErr {
				assert.ErrorIs(t, err, uniqdoc.ErrBadArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_Store_WritersInOtherProcessConflict(t *testing.T) {
	ctx := context.Background()
	client := ddbfake.New()
	key := uniqdoc.EntryKey{Collection: "Products", Field: "Gtin", Value: "s:ABC12345"}

	// two Stores on the same table stand in for two processes.
	storeA, err := New(client, "uniqdoc")
	require.NoError(t, err)
	storeB, err := New(client, "uniqdoc")
	require.NoError(t, err)

	txA, err := storeA.Begin(ctx, true)
	require.NoError(t, err)
	txB, err := storeB.Begin(ctx, true)
	require.NoError(t, err)

	require.NoError(t, txA.PutEntry(ctx, key, "p1"))
	require.NoError(t, txB.PutEntry(ctx, key, "p2"))
	require.NoError(t, txB.PutDocument(ctx, uniqdoc.Document{ID: "p2", Collection: "Products"}))

	require.NoError(t, txA.Commit())
	err = txB.Commit()
	assert.ErrorIs(t, err, uniqdoc.ErrConflict)

	// nothing of the failed transaction was written
	rtx, err := storeB.Begin(ctx, false)
	require.NoError(t, err)
	defer rtx.Rollback()
	owner, err := rtx.LookupEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "p1", owner)
	_, err = rtx.GetDocument(ctx, "p2")
	assert.ErrorIs(t, err, uniqdoc.ErrNotFound)
}

func Test_Enforcer_CommitConflictIsViolation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	client := ddbfake.New()

	reg := constraint.NewRegistry()
	require.NoError(t, reg.DeclareUnique("Products", "Gtin"))
	reg.Seal()

	storeA, err := New(client, "uniqdoc")
	require.NoError(t, err)
	storeB, err := New(client, "uniqdoc")
	require.NoError(t, err)
	enfA := constraint.NewEnforcer(storeA, reg, nil)
	enfB := constraint.NewEnforcer(storeB, reg, nil)

	p1 := uniqdoc.Document{ID: "p1", Collection: "Products", Fields: map[string]any{"Gtin": "ABC12345"}}
	p2 := uniqdoc.Document{ID: "p2", Collection: "Products", Fields: map[string]any{"Gtin": "ABC12345"}}

	// A commits between B's check and B's commit.
	client.BeforeWrite = func() {
		require.NoError(t, enfA.ApplyInsert(ctx, p1))
	}
	err = enfB.ApplyInsert(ctx, p2)

	var v *uniqdoc.UniqueConstraintViolation
	if assert.ErrorAs(err, &v) {
		assert.Equal("Gtin", v.Field)
		assert.Equal("p1", v.ExistingID)
	}

	_, err = enfB.Get(ctx, "p2")
	assert.ErrorIs(err, uniqdoc.ErrNotFound)
	report, err := enfB.Verify(ctx)
	require.NoError(t, err)
	assert.True(report.Consistent(), report.String())
}

func Test_Store_ClientErrorIsDBError(t *testing.T) {
	ctx := context.Background()
	client := ddbfake.New()
	client.FailWith = errors.New("throttled")

	s, err := New(client, "uniqdoc")
	require.NoError(t, err)

	tx, err := s.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.GetDocument(ctx, "a")
	assert.ErrorIs(t, err, uniqdoc.ErrDB)
}

func Test_Store_TooManyWrites(t *testing.T) {
	ctx := context.Background()
	s, err := New(ddbfake.New(), "uniqdoc")
	require.NoError(t, err)

	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	for i := 0; i <= MaxWritesPerTx; i++ {
		require.NoError(t, tx.PutDocument(ctx, uniqdoc.Document{ID: string(rune('a'+i%26)) + string(rune('0'+i/26)), Collection: "C"}))
	}
	assert.ErrorIs(t, tx.Commit(), uniqdoc.ErrBadArgument)
}

func Test_documentItem_RoundTrip(t *testing.T) {
	assert := assert.New(t)

	doc := uniqdoc.Document{ID: "a", Collection: "Products", Fields: map[string]any{"Gtin": "ABC12345", "InStock": true}}
	item, err := documentItem(doc, 3)
	require.NoError(t, err)
	assert.Equal("doc#a", pkOf(item))

	actual, err := documentFromItem(item)
	require.NoError(t, err)
	assert.Equal(doc, actual)
	version, err := documentVersion(item)
	require.NoError(t, err)
	assert.Equal(int64(3), version)

	delete(item, attrVersion)
	version, err = documentVersion(item)
	require.NoError(t, err)
	assert.Zero(version)

	delete(item, attrCollection)
	_, err = documentFromItem(item)
	assert.ErrorIs(err, uniqdoc.ErrDecodingFailure)
}

func Test_Enforcer_SeparatorInNames(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := constraint.NewRegistry()
	require.NoError(t, reg.DeclareUnique("a#b", "c"))
	require.NoError(t, reg.DeclareUnique("a", "b#c"))
	reg.Seal()

	s, err := New(ddbfake.New(), "uniqdoc")
	require.NoError(t, err)
	enf := constraint.NewEnforcer(s, reg, nil)

	d1 := uniqdoc.Document{ID: "d1", Collection: "a#b", Fields: map[string]any{"c": "X"}}
	d2 := uniqdoc.Document{ID: "d2", Collection: "a", Fields: map[string]any{"b#c": "X"}}
	require.NoError(t, enf.ApplyInsert(ctx, d1))
	assert.NoError(enf.ApplyInsert(ctx, d2))

	n, err := enf.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(2, n)
	report, err := enf.Verify(ctx)
	require.NoError(t, err)
	assert.True(report.Consistent(), report.String())
}

func Test_Enforcer_WritersInOtherProcessOnSameDocument(t *testing.T) {
	p1 := uniqdoc.Document{ID: "p1", Collection: "Products", Fields: map[string]any{"Gtin": "X"}}

	testCases := []struct {
		name string

		// first is committed by another process while second is committing.
		first  func(ctx context.Context, enf *constraint.Enforcer) error
		second func(ctx context.Context, enf *constraint.Enforcer) error

		expectGtin  any // nil if p1 should not exist
		expectTaken []string
		expectFree  []string
	}{
		{
			name: "both update the unique field",
			first: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyUpdate(ctx, "p1", map[string]any{"Gtin": "Y"})
			},
			second: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyUpdate(ctx, "p1", map[string]any{"Gtin": "Z"})
			},
			expectGtin:  "Y",
			expectTaken: []string{"Y"},
			expectFree:  []string{"X", "Z"},
		},
		{
			name: "update loses to delete",
			first: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyDelete(ctx, "p1")
			},
			second: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyUpdate(ctx, "p1", map[string]any{"Gtin": "Z"})
			},
			expectFree: []string{"X", "Z"},
		},
		{
			name: "delete loses to update",
			first: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyUpdate(ctx, "p1", map[string]any{"Gtin": "Y"})
			},
			second: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyDelete(ctx, "p1")
			},
			expectGtin:  "Y",
			expectTaken: []string{"Y"},
			expectFree:  []string{"X"},
		},
		{
			name: "store loses to update of a non-unique field",
			first: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyUpdate(ctx, "p1", map[string]any{"Name": "renamed"})
			},
			second: func(ctx context.Context, enf *constraint.Enforcer) error {
				return enf.ApplyStore(ctx, uniqdoc.Document{ID: "p1", Collection: "Products", Fields: map[string]any{"Gtin": "Z"}})
			},
			expectGtin:  "X",
			expectTaken: []string{"X"},
			expectFree:  []string{"Z"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			client := ddbfake.New()

			reg := constraint.NewRegistry()
			require.NoError(t, reg.DeclareUnique("Products", "Gtin"))
			reg.Seal()

			// two Stores on the same table stand in for two processes.
			storeA, err := New(client, "uniqdoc")
			require.NoError(t, err)
			storeB, err := New(client, "uniqdoc")
			require.NoError(t, err)
			enfA := constraint.NewEnforcer(storeA, reg, nil)
			enfB := constraint.NewEnforcer(storeB, reg, nil)
			require.NoError(t, enfA.ApplyInsert(ctx, p1))

			client.BeforeWrite = func() {
				require.NoError(t, tc.first(ctx, enfA))
			}
			err = tc.second(ctx, enfB)
			assert.ErrorIs(err, uniqdoc.ErrConflict)

			actual, err := enfB.Get(ctx, "p1")
			if tc.expectGtin == nil {
				assert.ErrorIs(err, uniqdoc.ErrNotFound)
			} else if assert.NoError(err) {
				assert.Equal(tc.expectGtin, actual.Get("Gtin"))
			}

			report, err := enfB.Verify(ctx)
			require.NoError(t, err)
			assert.True(report.Consistent(), report.String())

			for _, gtin := range tc.expectTaken {
				check, err := enfB.Check(ctx, uniqdoc.Document{ID: "p9", Collection: "Products", Fields: map[string]any{"Gtin": gtin}})
				require.NoError(t, err)
				owner, taken := check.Owner("Gtin")
				assert.True(taken, "expected %s to be taken", gtin)
				assert.Equal("p1", owner)
			}
			for _, gtin := range tc.expectFree {
				check, err := enfB.Check(ctx, uniqdoc.Document{ID: "p9", Collection: "Products", Fields: map[string]any{"Gtin": gtin}})
				require.NoError(t, err)
				assert.True(check.IsFree(), "expected %s to be free: %s", gtin, check)
			}
		})
	}
}

func Test_Commit_WritesAreConditional(t *testing.T) {
	ctx := context.Background()
	client := ddbfake.New()
	s, err := New(client, "uniqdoc")
	require.NoError(t, err)
	key := uniqdoc.EntryKey{Collection: "Products", Field: "Gtin", Value: "s:X"}

	wtx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, wtx.PutDocument(ctx, uniqdoc.Document{ID: "p1", Collection: "Products"}))
	require.NoError(t, wtx.PutEntry(ctx, key, "p1"))
	require.NoError(t, wtx.Commit())

	wtx, err = s.Begin(ctx, true)
	require.NoError(t, err)
	defer wtx.Rollback()
	require.NoError(t, wtx.DeleteDocument(ctx, "p1"))
	require.NoError(t, wtx.RemoveEntry(ctx, key))
	require.NoError(t, wtx.PutDocument(ctx, uniqdoc.Document{ID: "p2", Collection: "Products"}))

	items, err := wtx.(*tx).writeItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		switch {
		case item.Put != nil:
			assert.NotNil(t, item.Put.ConditionExpression, pkOf(item.Put.Item))
		case item.Delete != nil:
			assert.NotNil(t, item.Delete.ConditionExpression, pkOf(item.Delete.Key))
		}
	}
}

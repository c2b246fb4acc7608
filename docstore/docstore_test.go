package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/constraint"
	"github.com/dekarrin/uniqdoc/db/badger"
	"github.com/dekarrin/uniqdoc/db/dynamo"
	"github.com/dekarrin/uniqdoc/db/filedb"
	"github.com/dekarrin/uniqdoc/db/inmem"
	"github.com/dekarrin/uniqdoc/db/sqlite"
	"github.com/dekarrin/uniqdoc/internal/ddbfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idP1 = "b5d19a6c-821f-4286-b90f-3c9fcef3d5e4"
	idP2 = "1a2aece7-08d6-4e15-ac06-f5647a34d17f"
)

func product(id, gtin string) uniqdoc.Document {
	return uniqdoc.Document{
		ID:         id,
		Collection: "Products",
		Fields:     map[string]any{"Gtin": gtin, "Name": "product " + id},
	}
}

// forEachEngine runs fn once per storage engine with a new Store on which
// Products.Gtin is declared unique.
func forEachEngine(t *testing.T, fn func(t *testing.T, st *Store)) {
	openers := map[string]func(t *testing.T) uniqdoc.DB{
		"inmem": func(t *testing.T) uniqdoc.DB {
			return inmem.New()
		},
		"filedb": func(t *testing.T) uniqdoc.DB {
			s, err := filedb.Open(filepath.Join(t.TempDir(), "db.uqd"), false)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) uniqdoc.DB {
			s, err := sqlite.Open(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) uniqdoc.DB {
			s, err := badger.OpenInMemory()
			require.NoError(t, err)
			return s
		},
		"dynamo": func(t *testing.T) uniqdoc.DB {
			s, err := dynamo.New(ddbfake.New(), "uniqdoc")
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range openers {
		t.Run(name, func(t *testing.T) {
			st := New(open(t), Options{})
			t.Cleanup(func() { st.Close() })
			require.NoError(t, st.DeclareUnique("Products", "Gtin"))
			fn(t, st)
		})
	}
}

func openSession(t *testing.T, st *Store) *Session {
	sess, err := st.OpenSession()
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func Test_Scenario_InsertConflictInOneBatch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, st *Store) {
		assert := assert.New(t)
		ctx := context.Background()
		sess := openSession(t, st)

		_, err := sess.Store(product(idP1, "ABC12345"))
		require.NoError(t, err)
		_, err = sess.Store(product(idP2, "ABC12345"))
		require.NoError(t, err)

		err = sess.SaveChanges(ctx)

		var v *uniqdoc.UniqueConstraintViolation
		if assert.ErrorAs(err, &v) {
			assert.Equal("Gtin", v.Field)
			assert.Equal(idP1, v.ExistingID)
			assert.Equal("ABC12345", v.Value)
		}
		assert.Equal(StateAborted, sess.State())
		assert.Zero(sess.Pending())

		_, err = sess.Load(ctx, idP2)
		assert.ErrorIs(err, uniqdoc.ErrNotFound)
		// the whole batch is rolled back
		_, err = sess.Load(ctx, idP1)
		assert.ErrorIs(err, uniqdoc.ErrNotFound)
	})
}

func Test_Scenario_UpdateConflict(t *testing.T) {
	forEachEngine(t, func(t *testing.T, st *Store) {
		assert := assert.New(t)
		ctx := context.Background()
		sess := openSession(t, st)

		_, err := sess.Store(product(idP1, "ABC12345"))
		require.NoError(t, err)
		_, err = sess.Store(product(idP2, "XYZ12345"))
		require.NoError(t, err)
		require.NoError(t, sess.SaveChanges(ctx))
		assert.Equal(StateCommitted, sess.State())

		p2, err := sess.Load(ctx, idP2)
		require.NoError(t, err)
		p2 = p2.Merge(map[string]any{"Gtin": "ABC12345"})
		_, err = sess.Store(p2)
		require.NoError(t, err)
		assert.Equal(StateOpen, sess.State())

		err = sess.SaveChanges(ctx)

		var v *uniqdoc.UniqueConstraintViolation
		if assert.ErrorAs(err, &v) {
			assert.Equal("Gtin", v.Field)
			assert.Equal(idP1, v.ExistingID)
		}

		stored, err := sess.Load(ctx, idP2)
		require.NoError(t, err)
		assert.Equal("XYZ12345", stored.Get("Gtin"))
	})
}

func Test_Scenario_CheckBeforeInsert(t *testing.T) {
	forEachEngine(t, func(t *testing.T, st *Store) {
		assert := assert.New(t)
		ctx := context.Background()
		sess := openSession(t, st)

		_, err := sess.Store(product(idP1, "ABC12345"))
		require.NoError(t, err)
		require.NoError(t, sess.SaveChanges(ctx))

		report, err := sess.CheckForUniqueConstraints(ctx, product(idP2, "ABC12345"))
		require.NoError(t, err)

		assert.False(report.IsFree())
		assert.Equal(map[string]string{"Gtin": idP1}, report.Conflicts)

		report, err = sess.CheckForUniqueConstraints(ctx, product(idP2, "XYZ12345"))
		require.NoError(t, err)
		assert.True(report.IsFree())
	})
}

func Test_Session_DeleteFreesValue(t *testing.T) {
	forEachEngine(t, func(t *testing.T, st *Store) {
		assert := assert.New(t)
		ctx := context.Background()
		sess := openSession(t, st)

		_, err := sess.Store(product(idP1, "ABC12345"))
		require.NoError(t, err)
		require.NoError(t, sess.SaveChanges(ctx))

		require.NoError(t, sess.Delete(idP1))
		require.NoError(t, sess.SaveChanges(ctx))

		_, err = sess.Store(product("p3", "ABC12345"))
		require.NoError(t, err)
		assert.NoError(sess.SaveChanges(ctx))

		report, err := st.Verify(ctx)
		require.NoError(t, err)
		assert.True(report.Consistent(), report.String())
	})
}

func Test_Session_StoreSameDocumentTwice(t *testing.T) {
	forEachEngine(t, func(t *testing.T, st *Store) {
		assert := assert.New(t)
		ctx := context.Background()
		sess := openSession(t, st)

		_, err := sess.Store(product(idP1, "ABC12345"))
		require.NoError(t, err)
		require.NoError(t, sess.SaveChanges(ctx))

		_, err = sess.Store(product(idP1, "ABC12345"))
		require.NoError(t, err)
		assert.NoError(sess.SaveChanges(ctx))
	})
}

func Test_Session_CheckDoesNotMutate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := inmem.New()
	st := New(db, Options{})
	require.NoError(t, st.DeclareUnique("Products", "Gtin"))
	sess := openSession(t, st)

	before, err := db.Export()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := sess.CheckForUniqueConstraints(ctx, product(idP1, "ABC12345"))
		require.NoError(t, err)
	}
	after, err := db.Export()
	require.NoError(t, err)
	assert.Equal(before, after)

	_, err = sess.Store(product(idP1, "ABC12345"))
	require.NoError(t, err)
	assert.NoError(sess.SaveChanges(ctx))
}

func Test_Session_Store_AssignsID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := New(inmem.New(), Options{NewID: func() string { return "generated" }})
	sess := openSession(t, st)

	id, err := sess.Store(uniqdoc.Document{Collection: "Products", Fields: map[string]any{"Gtin": "ABC12345"}})
	require.NoError(t, err)
	assert.Equal("generated", id)
	require.NoError(t, sess.SaveChanges(ctx))

	doc, err := sess.Load(ctx, "generated")
	require.NoError(t, err)
	assert.Equal("ABC12345", doc.Get("Gtin"))
}

func Test_Session_Store_DefaultIDIsUUID(t *testing.T) {
	st := New(inmem.New(), Options{})
	sess := openSession(t, st)

	id, err := sess.Store(uniqdoc.Document{Collection: "Products"})
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func Test_Session_Store_CopiesDocument(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := New(inmem.New(), Options{})
	sess := openSession(t, st)

	doc := product(idP1, "ABC12345")
	_, err := sess.Store(doc)
	require.NoError(t, err)
	doc.Fields["Gtin"] = "changed"
	require.NoError(t, sess.SaveChanges(ctx))

	stored, err := sess.Load(ctx, idP1)
	require.NoError(t, err)
	assert.Equal("ABC12345", stored.Get("Gtin"))
}

func Test_Session_StateErrors(t *testing.T) {
	testCases := []struct {
		name string
		call func(ctx context.Context, sess *Session) error
	}{
		{
			name: "store",
			call: func(ctx context.Context, sess *Session) error {
				_, err := sess.Store(product(idP1, "ABC12345"))
				return err
			},
		},
		{
			name: "delete",
			call: func(ctx context.Context, sess *Session) error {
				return sess.Delete(idP1)
			},
		},
		{
			name: "save",
			call: func(ctx context.Context, sess *Session) error {
				return sess.SaveChanges(ctx)
			},
		},
		{
			name: "load",
			call: func(ctx context.Context, sess *Session) error {
				_, err := sess.Load(ctx, idP1)
				return err
			},
		},
		{
			name: "check",
			call: func(ctx context.Context, sess *Session) error {
				_, err := sess.CheckForUniqueConstraints(ctx, product(idP1, "ABC12345"))
				return err
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name+" on closed session", func(t *testing.T) {
			st := New(inmem.New(), Options{})
			sess := openSession(t, st)
			require.NoError(t, sess.Close())
			assert.NoError(t, sess.Close())

			err := tc.call(context.Background(), sess)

			assert.ErrorIs(t, err, uniqdoc.ErrSessionState)
			assert.Equal(t, StateClosed, sess.State())
		})
	}
}

func Test_Session_WritesRejectedWhileCommitting(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := inmem.New()
	st := New(db, Options{})
	sess := openSession(t, st)

	// holding the write lock keeps SaveChanges waiting in Committing
	blocker, err := db.Begin(ctx, true)
	require.NoError(t, err)

	saved := make(chan error)
	_, err = sess.Store(product(idP1, "ABC12345"))
	require.NoError(t, err)
	go func() {
		saved <- sess.SaveChanges(ctx)
	}()

	assert.Eventually(func() bool {
		return sess.State() == StateCommitting
	}, time.Second, time.Millisecond)

	_, err = sess.Store(product(idP2, "XYZ12345"))
	assert.ErrorIs(err, uniqdoc.ErrSessionState)
	assert.ErrorIs(sess.SaveChanges(ctx), uniqdoc.ErrSessionState)
	assert.ErrorIs(sess.Close(), uniqdoc.ErrSessionState)

	require.NoError(t, blocker.Rollback())
	assert.NoError(<-saved)
	assert.Equal(StateCommitted, sess.State())
}

func Test_Session_CancelledSave(t *testing.T) {
	assert := assert.New(t)
	st := New(inmem.New(), Options{})
	sess := openSession(t, st)

	_, err := sess.Store(product(idP1, "ABC12345"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sess.SaveChanges(ctx)

	assert.ErrorIs(err, context.Canceled)
	assert.Equal(StateAborted, sess.State())
	_, err = sess.Load(context.Background(), idP1)
	assert.ErrorIs(err, uniqdoc.ErrNotFound)
}

func Test_Store_DeclareAfterOpenSession(t *testing.T) {
	assert := assert.New(t)
	st := New(inmem.New(), Options{})
	require.NoError(t, st.DeclareUnique("Products", "Gtin"))
	openSession(t, st)

	err := st.DeclareUnique("Products", "Sku")

	assert.ErrorIs(err, uniqdoc.ErrSessionState)
	assert.Equal([]uniqdoc.ConstraintDeclaration{{Collection: "Products", Field: "Gtin"}}, st.Constraints())
}

func Test_Store_CaseInsensitive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := New(inmem.New(), Options{})
	require.NoError(t, st.DeclareUnique("Users", "Email", constraint.CaseInsensitive()))
	sess := openSession(t, st)

	_, err := sess.Store(uniqdoc.Document{ID: "u1", Collection: "Users", Fields: map[string]any{"Email": "Ana@Example.com"}})
	require.NoError(t, err)
	require.NoError(t, sess.SaveChanges(ctx))

	_, err = sess.Store(uniqdoc.Document{ID: "u2", Collection: "Users", Fields: map[string]any{"Email": "ana@example.com"}})
	require.NoError(t, err)
	assert.ErrorIs(sess.SaveChanges(ctx), uniqdoc.ErrConstraintViolation)
}

func Test_Store_Closed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := New(inmem.New(), Options{})
	sess := openSession(t, st)
	_, err := sess.Store(product(idP1, "ABC12345"))
	require.NoError(t, err)

	require.NoError(t, st.Close())
	assert.NoError(st.Close())

	_, err = st.OpenSession()
	assert.ErrorIs(err, uniqdoc.ErrClosed)
	assert.ErrorIs(sess.SaveChanges(ctx), uniqdoc.ErrClosed)
	_, err = st.Rebuild(ctx)
	assert.ErrorIs(err, uniqdoc.ErrClosed)
	_, err = st.Verify(ctx)
	assert.ErrorIs(err, uniqdoc.ErrClosed)
}

func Test_Store_Rebuild(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := inmem.New()
	st := New(db, Options{})
	require.NoError(t, st.DeclareUnique("Products", "Gtin"))
	sess := openSession(t, st)

	// documents written before the constraint store was in use have no entries
	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.PutDocument(ctx, product(idP1, "ABC12345")))
	require.NoError(t, tx.Commit())

	report, err := st.Verify(ctx)
	require.NoError(t, err)
	assert.Len(report.Missing, 1)

	n, err := st.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(1, n)

	_, err = sess.Store(product(idP2, "ABC12345"))
	require.NoError(t, err)
	assert.ErrorIs(sess.SaveChanges(ctx), uniqdoc.ErrConstraintViolation)
}

func Test_State_String(t *testing.T) {
	testCases := []struct {
		state  State
		expect string
	}{
		{state: StateOpen, expect: "open"},
		{state: StateCommitting, expect: "committing"},
		{state: StateCommitted, expect: "committed"},
		{state: StateAborted, expect: "aborted"},
		{state: StateClosed, expect: "closed"},
		{state: State(42), expect: "State(42)"},
	}

	for _, tc := range testCases {
		t.Run(tc.expect, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.state.String())
		})
	}
}

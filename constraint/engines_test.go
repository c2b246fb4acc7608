package constraint

import (
	"path/filepath"
	"testing"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/db/badger"
	"github.com/dekarrin/uniqdoc/db/dynamo"
	"github.com/dekarrin/uniqdoc/db/filedb"
	"github.com/dekarrin/uniqdoc/db/inmem"
	"github.com/dekarrin/uniqdoc/db/sqlite"
	"github.com/dekarrin/uniqdoc/internal/ddbfake"
	"github.com/stretchr/testify/require"
)

const (
	idP1 = "b5d19a6c-821f-4286-b90f-3c9fcef3d5e4"
	idP2 = "1a2aece7-08d6-4e15-ac06-f5647a34d17f"
)

// engines returns an opener for every storage engine that can run in-process. Each call to an
// opener gives a new empty DB that is closed when the test ends.
func engines() map[string]func(t *testing.T) uniqdoc.DB {
	return map[string]func(t *testing.T) uniqdoc.DB{
		"inmem": func(t *testing.T) uniqdoc.DB {
			s := inmem.New()
			t.Cleanup(func() { s.Close() })
			return s
		},
		"filedb": func(t *testing.T) uniqdoc.DB {
			s, err := filedb.Open(filepath.Join(t.TempDir(), "db.uqd"), true)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) uniqdoc.DB {
			s, err := sqlite.Open(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"dynamo": func(t *testing.T) uniqdoc.DB {
			s, err := dynamo.New(ddbfake.New(), "uniqdoc")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": func(t *testing.T) uniqdoc.DB {
			s, err := badger.OpenInMemory()
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// forEachEngine runs fn as a subtest once per engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, db uniqdoc.DB)) {
	for name, open := range engines() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func productRegistry(t *testing.T) *Registry {
	reg := NewRegistry()
	require.NoError(t, reg.DeclareUnique("Products", "Gtin"))
	require.NoError(t, reg.DeclareUnique("Users", "Email", CaseInsensitive()))
	reg.Seal()
	return reg
}

func product(id, gtin string) uniqdoc.Document {
	return uniqdoc.Document{
		ID:         id,
		Collection: "Products",
		Fields:     map[string]any{"Gtin": gtin, "Name": "product " + id},
	}
}

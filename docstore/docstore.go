// Package docstore is the entry point for using uniqdoc. A Store ties a storage
// engine to a set of unique constraints, and Sessions batch up writes that are
// then saved all at once.
//
// Declare every constraint on the Store before opening the first Session:
//
//	st := docstore.New(inmem.New(), docstore.Options{})
//	st.DeclareUnique("Products", "Gtin")
//
//	sess, _ := st.OpenSession()
//	sess.Store(uniqdoc.Document{Collection: "Products", Fields: map[string]any{"Gtin": "ABC12345"}})
//	err := sess.SaveChanges(ctx)
package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/constraint"
	"github.com/dekarrin/uniqdoc/internal/logging"
	"github.com/google/uuid"
)

// Options are the optional settings of a Store.
type Options struct {
	// Logger receives log messages from the Store, its Sessions and its
	// Enforcer. If nil, nothing is logged.
	Logger uniqdoc.Logger

	// NewID returns the ID given to a stored document that has none. If nil,
	// a random UUID is used.
	NewID func() string
}

// Store is a document store with unique constraint enforcement. It is safe for
// concurrent use; Sessions opened from it are not shared between goroutines.
type Store struct {
	db    uniqdoc.DB
	reg   *constraint.Registry
	enf   *constraint.Enforcer
	log   uniqdoc.Logger
	newID func() string

	mtx    sync.Mutex
	closed bool
}

// New creates a Store that keeps its data in db. The Store takes ownership of
// db and closes it when the Store is closed.
func New(db uniqdoc.DB, opts Options) *Store {
	log := logging.OrNoOp(opts.Logger)
	reg := constraint.NewRegistry()

	st := &Store{
		db:    db,
		reg:   reg,
		enf:   constraint.NewEnforcer(db, reg, log),
		log:   log,
		newID: opts.NewID,
	}
	if st.newID == nil {
		st.newID = uuid.NewString
	}
	return st
}

// DeclareUnique marks field of collection as unique. It must be called before
// the first Session is opened; after that it returns an error matching
// uniqdoc.ErrSessionState.
func (st *Store) DeclareUnique(collection, field string, opts ...constraint.Option) error {
	if err := st.usable(); err != nil {
		return err
	}
	if err := st.reg.DeclareUnique(collection, field, opts...); err != nil {
		return err
	}
	st.log.Debugf("declared unique constraint on %s.%s", collection, field)
	return nil
}

// Constraints returns every declared constraint.
func (st *Store) Constraints() []uniqdoc.ConstraintDeclaration {
	return st.reg.All()
}

// OpenSession starts a new unit of work. The first call fixes the set of
// declared constraints.
func (st *Store) OpenSession() (*Session, error) {
	if err := st.usable(); err != nil {
		return nil, err
	}

	if !st.reg.Sealed() {
		st.reg.Seal()
		st.log.Infof("constraints sealed: %d declared", len(st.reg.All()))
	}

	return &Session{st: st}, nil
}

// Enforcer returns the Enforcer that Sessions save through. It can be used to
// apply writes directly without a Session.
func (st *Store) Enforcer() *constraint.Enforcer {
	return st.enf
}

// Rebuild recreates every constraint entry from the stored documents. See
// [constraint.Enforcer.Rebuild].
func (st *Store) Rebuild(ctx context.Context) (int, error) {
	if err := st.usable(); err != nil {
		return 0, err
	}
	return st.enf.Rebuild(ctx)
}

// Verify reports any difference between the stored constraint entries and the
// stored documents. See [constraint.Enforcer.Verify].
func (st *Store) Verify(ctx context.Context) (constraint.VerifyReport, error) {
	if err := st.usable(); err != nil {
		return constraint.VerifyReport{}, err
	}
	return st.enf.Verify(ctx)
}

// Close closes the underlying DB. Sessions of a closed Store can no longer
// save. Calling Close on a closed Store has no effect.
func (st *Store) Close() error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	if err := st.db.Close(); err != nil {
		return fmt.Errorf("close DB: %w", err)
	}
	return nil
}

func (st *Store) usable() error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.closed {
		return uniqdoc.ErrClosed
	}
	return nil
}

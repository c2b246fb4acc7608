package uniqdoc

import (
	"context"
	"fmt"
)

// DocumentStore holds documents keyed by their IDs.
type DocumentStore interface {
	// GetDocument retrieves the document with the given ID. If no document
	// with that ID exists, an error matching ErrNotFound is returned.
	GetDocument(ctx context.Context, id string) (Document, error)

	// PutDocument creates the document or replaces the one with the same ID.
	PutDocument(ctx context.Context, doc Document) error

	// DeleteDocument removes the document with the given ID. If no document
	// with that ID exists, an error matching ErrNotFound is returned.
	DeleteDocument(ctx context.Context, id string) error

	// ScanDocuments calls fn once for every document. Iteration stops at the
	// first non-nil error returned by fn, which is then returned.
	ScanDocuments(ctx context.Context, fn func(Document) error) error
}

// IndexStore holds constraint entries. It has no knowledge of which fields are
// constrained; it only maps keys to owning document IDs.
type IndexStore interface {
	// LookupEntry returns the ID of the document that owns key. If there is no
	// entry for key, an error matching ErrNotFound is returned.
	LookupEntry(ctx context.Context, key EntryKey) (string, error)

	// PutEntry maps key to id. It succeeds without changes if key already maps
	// to id, and returns a *ConflictError if key maps to a different ID.
	PutEntry(ctx context.Context, key EntryKey, id string) error

	// RemoveEntry removes key. It is a no-op if there is no entry for key.
	RemoveEntry(ctx context.Context, key EntryKey) error

	// ScanEntries calls fn once for every entry. Iteration stops at the first
	// non-nil error returned by fn, which is then returned.
	ScanEntries(ctx context.Context, fn func(key EntryKey, id string) error) error
}

// Tx is a single storage transaction spanning both documents and constraint
// entries. Nothing done through a Tx is visible to other transactions until
// Commit returns nil. Calling Rollback after Commit, or more than once, has no
// effect and returns nil, so it is always safe to defer.
type Tx interface {
	DocumentStore
	IndexStore

	Commit() error
	Rollback() error
}

// DB is a storage engine that can be used by the constraint layer. Write
// transactions on the same DB never interleave their check-then-put steps;
// each engine documents how it guarantees this.
type DB interface {
	// Begin starts a new transaction. Mutating methods on a Tx that was not
	// begun as writable return an error matching ErrBadArgument.
	Begin(ctx context.Context, writable bool) (Tx, error)

	// Close releases all resources held by the DB. After Close returns, the DB
	// cannot be used again.
	Close() error
}

// ErrReadOnlyTx is returned by mutating Tx methods on a read-only Tx.
var ErrReadOnlyTx = NewError("transaction is read-only", ErrBadArgument)

// OpKind is the kind of write an Op performs.
type OpKind int

const (
	// OpStore inserts Doc if no document with its ID exists and otherwise
	// replaces the existing document entirely.
	OpStore OpKind = iota

	// OpInsert inserts Doc, failing with ErrAlreadyExists if its ID is taken.
	OpInsert

	// OpUpdate merges Values into the existing document with ID.
	OpUpdate

	// OpDelete removes the document with ID.
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpStore:
		return "store"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one pending write.
type Op struct {
	Kind OpKind

	// Doc is the document to write. Used by OpStore and OpInsert.
	Doc Document

	// ID is the target document ID. Used by OpUpdate and OpDelete.
	ID string

	// Values are the field changes to merge. Used by OpUpdate.
	Values map[string]any
}

// TargetID returns the ID of the document op writes to.
func (op Op) TargetID() string {
	switch op.Kind {
	case OpStore, OpInsert:
		return op.Doc.ID
	default:
		return op.ID
	}
}

func (op Op) String() string {
	return fmt.Sprintf("%s(%s)", op.Kind, op.TargetID())
}

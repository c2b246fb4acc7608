package constraint

import (
	"context"
	"errors"
	"fmt"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/logging"
)

// Enforcer applies writes to a DB such that no committed document ever breaks
// a unique constraint. Each call runs in a single write transaction: the
// uniqueness check, the document write and the constraint entry changes are
// committed together, and on any failure nothing is.
//
// A rejected write returns a *uniqdoc.UniqueConstraintViolation. Storage
// failures are returned as they come from the DB. Enforcer never retries.
type Enforcer struct {
	db      uniqdoc.DB
	reg     *Registry
	checker *Checker
	log     uniqdoc.Logger
}

// NewEnforcer creates an Enforcer that writes to db under the constraints in
// reg. log may be nil to disable logging.
func NewEnforcer(db uniqdoc.DB, reg *Registry, log uniqdoc.Logger) *Enforcer {
	return &Enforcer{
		db:      db,
		reg:     reg,
		checker: NewChecker(reg),
		log:     logging.OrNoOp(log),
	}
}

// Checker returns the Checker that e uses.
func (e *Enforcer) Checker() *Checker {
	return e.checker
}

// Check runs a speculative uniqueness check of doc against committed state in a
// read-only transaction.
func (e *Enforcer) Check(ctx context.Context, doc uniqdoc.Document) (uniqdoc.ConflictReport, error) {
	tx, err := e.db.Begin(ctx, false)
	if err != nil {
		return uniqdoc.ConflictReport{}, err
	}
	defer tx.Rollback()

	return e.checker.Check(ctx, tx, doc)
}

// Get returns the committed document with the given ID.
func (e *Enforcer) Get(ctx context.Context, id string) (uniqdoc.Document, error) {
	tx, err := e.db.Begin(ctx, false)
	if err != nil {
		return uniqdoc.Document{}, err
	}
	defer tx.Rollback()

	return tx.GetDocument(ctx, id)
}

// ApplyInsert inserts doc. It fails with uniqdoc.ErrAlreadyExists if a document
// with the same ID exists.
func (e *Enforcer) ApplyInsert(ctx context.Context, doc uniqdoc.Document) error {
	return e.Apply(ctx, []uniqdoc.Op{{Kind: uniqdoc.OpInsert, Doc: doc}})
}

// ApplyStore inserts doc, or replaces the stored document with the same ID.
func (e *Enforcer) ApplyStore(ctx context.Context, doc uniqdoc.Document) error {
	return e.Apply(ctx, []uniqdoc.Op{{Kind: uniqdoc.OpStore, Doc: doc}})
}

// ApplyUpdate merges newValues into the document with the given ID. A nil value
// removes that field.
func (e *Enforcer) ApplyUpdate(ctx context.Context, id string, newValues map[string]any) error {
	return e.Apply(ctx, []uniqdoc.Op{{Kind: uniqdoc.OpUpdate, ID: id, Values: newValues}})
}

// ApplyDelete removes the document with the given ID along with every
// constraint entry it owns, freeing its unique values.
func (e *Enforcer) ApplyDelete(ctx context.Context, id string) error {
	return e.Apply(ctx, []uniqdoc.Op{{Kind: uniqdoc.OpDelete, ID: id}})
}

// Apply applies ops in order in one transaction. Either all of them take
// effect or, if any one fails, none do. Later ops see the effects of earlier
// ones, so two ops in the same call that give the same unique value to
// different documents conflict just as if they had been applied separately.
//
// If ctx is cancelled before the transaction commits, nothing is applied.
func (e *Enforcer) Apply(ctx context.Context, ops []uniqdoc.Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := e.db.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	written := make([]uniqdoc.Document, 0, len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, err := e.applyOp(ctx, tx, op)
		if err != nil {
			var violation *uniqdoc.UniqueConstraintViolation
			if errors.As(err, &violation) {
				e.log.Debugf("rejected %s (op %d of %d): %v", op, i+1, len(ops), err)
			}
			return err
		}
		if op.Kind != uniqdoc.OpDelete {
			written = append(written, doc)
		}
		e.log.Tracef("applied %s", op)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if errors.Is(err, uniqdoc.ErrConflict) {
			return e.explainConflict(ctx, written, err)
		}
		return err
	}
	return nil
}

// applyOp applies a single op inside tx and returns the document as written.
func (e *Enforcer) applyOp(ctx context.Context, tx uniqdoc.Tx, op uniqdoc.Op) (uniqdoc.Document, error) {
	switch op.Kind {
	case uniqdoc.OpInsert, uniqdoc.OpStore:
		if err := op.Doc.Validate(); err != nil {
			return uniqdoc.Document{}, err
		}
		existing, found, err := getExisting(ctx, tx, op.Doc.ID)
		if err != nil {
			return uniqdoc.Document{}, err
		}
		if !found {
			return op.Doc, e.write(ctx, tx, nil, op.Doc)
		}
		if op.Kind == uniqdoc.OpInsert {
			return uniqdoc.Document{}, uniqdoc.NewError(fmt.Sprintf("document %q", op.Doc.ID), uniqdoc.ErrAlreadyExists)
		}
		return op.Doc, e.write(ctx, tx, &existing, op.Doc)
	case uniqdoc.OpUpdate:
		existing, err := tx.GetDocument(ctx, op.ID)
		if err != nil {
			return uniqdoc.Document{}, err
		}
		updated := existing.Merge(op.Values)
		if err := updated.Validate(); err != nil {
			return uniqdoc.Document{}, err
		}
		return updated, e.write(ctx, tx, &existing, updated)
	case uniqdoc.OpDelete:
		existing, err := tx.GetDocument(ctx, op.ID)
		if err != nil {
			return uniqdoc.Document{}, err
		}
		return existing, e.remove(ctx, tx, existing)
	default:
		return uniqdoc.Document{}, uniqdoc.NewError(fmt.Sprintf("unknown op kind %s", op.Kind), uniqdoc.ErrBadArgument)
	}
}

func getExisting(ctx context.Context, tx uniqdoc.Tx, id string) (uniqdoc.Document, bool, error) {
	doc, err := tx.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, uniqdoc.ErrNotFound) {
			return uniqdoc.Document{}, false, nil
		}
		return uniqdoc.Document{}, false, err
	}
	return doc, true, nil
}

// fieldChange is the constraint entry change for one unique field.
type fieldChange struct {
	decl    uniqdoc.ConstraintDeclaration
	oldKey  *uniqdoc.EntryKey
	newKey  *uniqdoc.EntryKey
	changed bool
}

// changes computes the entry changes for every unique field when old (nil for
// a new document) is replaced by doc.
func (e *Enforcer) changes(old *uniqdoc.Document, doc uniqdoc.Document) ([]fieldChange, error) {
	var result []fieldChange

	for _, decl := range e.reg.ForCollection(doc.Collection) {
		fc := fieldChange{decl: decl}

		newKey, ok, err := decl.KeyFor(doc.Get(decl.Field))
		if err != nil {
			return nil, fmt.Errorf("document %q: %w", doc.ID, err)
		}
		if ok {
			fc.newKey = &newKey
		}

		if old != nil && old.Collection == doc.Collection {
			oldKey, ok, err := decl.KeyFor(old.Get(decl.Field))
			if err == nil && ok {
				fc.oldKey = &oldKey
			}
		}

		switch {
		case fc.oldKey == nil && fc.newKey == nil:
			fc.changed = false
		case fc.oldKey == nil || fc.newKey == nil:
			fc.changed = true
		default:
			fc.changed = *fc.oldKey != *fc.newKey
		}
		result = append(result, fc)
	}

	// a document moved to another collection gives up the entries it had in
	// the old one.
	if old != nil && old.Collection != doc.Collection {
		for _, decl := range e.reg.ForCollection(old.Collection) {
			oldKey, ok, err := decl.KeyFor(old.Get(decl.Field))
			if err == nil && ok {
				result = append(result, fieldChange{decl: decl, oldKey: &oldKey, changed: true})
			}
		}
	}

	return result, nil
}

// write replaces old with doc, checking and updating constraint entries.
func (e *Enforcer) write(ctx context.Context, tx uniqdoc.Tx, old *uniqdoc.Document, doc uniqdoc.Document) error {
	idx := NewIndex(tx)

	changes, err := e.changes(old, doc)
	if err != nil {
		return err
	}

	// check every changed value before touching anything
	for _, fc := range changes {
		if !fc.changed || fc.newKey == nil {
			continue
		}
		owner, found, err := idx.Lookup(ctx, *fc.newKey)
		if err != nil {
			return err
		}
		if found && owner != doc.ID {
			return &uniqdoc.UniqueConstraintViolation{
				Collection: doc.Collection,
				Field:      fc.decl.Field,
				Value:      doc.Get(fc.decl.Field),
				ExistingID: owner,
			}
		}
	}

	if err := tx.PutDocument(ctx, doc); err != nil {
		return err
	}

	for _, fc := range changes {
		if !fc.changed || fc.oldKey == nil {
			continue
		}
		if err := removeOwned(ctx, idx, *fc.oldKey, doc.ID); err != nil {
			return err
		}
	}

	for _, fc := range changes {
		if fc.newKey == nil {
			continue
		}
		// unchanged keys are put as well; this is a no-op for an entry that
		// is already owned and repairs one that has gone missing.
		if err := idx.Put(ctx, *fc.newKey, doc.ID); err != nil {
			var conflict *uniqdoc.ConflictError
			if errors.As(err, &conflict) {
				return &uniqdoc.UniqueConstraintViolation{
					Collection: doc.Collection,
					Field:      fc.decl.Field,
					Value:      doc.Get(fc.decl.Field),
					ExistingID: conflict.ExistingID,
				}
			}
			return err
		}
	}

	return nil
}

// remove deletes doc and every constraint entry it owns.
func (e *Enforcer) remove(ctx context.Context, tx uniqdoc.Tx, doc uniqdoc.Document) error {
	idx := NewIndex(tx)

	if err := tx.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}

	for _, decl := range e.reg.ForCollection(doc.Collection) {
		key, ok, err := decl.KeyFor(doc.Get(decl.Field))
		if err != nil || !ok {
			continue
		}
		if err := removeOwned(ctx, idx, key, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

// removeOwned removes key only if it is owned by id.
func removeOwned(ctx context.Context, idx Index, key uniqdoc.EntryKey, id string) error {
	owner, found, err := idx.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !found || owner != id {
		return nil
	}
	return idx.Remove(ctx, key)
}

// explainConflict turns a conflict reported by the DB at commit time into a
// violation naming the field and the document that won, by checking the
// written documents against the state that is now committed.
func (e *Enforcer) explainConflict(ctx context.Context, written []uniqdoc.Document, commitErr error) error {
	tx, err := e.db.Begin(ctx, false)
	if err != nil {
		return commitErr
	}
	defer tx.Rollback()

	for _, doc := range written {
		report, err := e.checker.Check(ctx, tx, doc)
		if err != nil {
			return commitErr
		}
		for _, field := range report.Fields() {
			v := &uniqdoc.UniqueConstraintViolation{
				Collection: doc.Collection,
				Field:      field,
				Value:      doc.Get(field),
				ExistingID: report.Conflicts[field],
			}
			e.log.Debugf("rejected at commit: %v", v)
			return v
		}
	}
	return commitErr
}

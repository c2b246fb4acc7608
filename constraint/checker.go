package constraint

import (
	"context"

	"github.com/dekarrin/uniqdoc"
)

// Checker finds uniqueness conflicts for candidate documents. It never
// modifies anything, so it can be used for speculative checks before a write.
type Checker struct {
	reg *Registry
}

// NewChecker creates a Checker for the constraints declared in reg.
func NewChecker(reg *Registry) *Checker {
	return &Checker{reg: reg}
}

// Check looks up the value of every unique field of doc in the entries of
// store. A value owned by a document other than doc itself is a conflict.
// Fields that doc does not set, or sets to nil, never conflict.
func (c *Checker) Check(ctx context.Context, store uniqdoc.IndexStore, doc uniqdoc.Document) (uniqdoc.ConflictReport, error) {
	return c.check(ctx, NewIndex(store), doc, c.reg.ForCollection(doc.Collection))
}

func (c *Checker) check(ctx context.Context, idx Index, doc uniqdoc.Document, decls []uniqdoc.ConstraintDeclaration) (uniqdoc.ConflictReport, error) {
	report := uniqdoc.ConflictReport{
		Collection: doc.Collection,
		DocumentID: doc.ID,
		Conflicts:  map[string]string{},
	}

	for _, decl := range decls {
		key, ok, err := decl.KeyFor(doc.Get(decl.Field))
		if err != nil {
			return uniqdoc.ConflictReport{}, err
		}
		if !ok {
			continue
		}

		owner, found, err := idx.Lookup(ctx, key)
		if err != nil {
			return uniqdoc.ConflictReport{}, err
		}
		if found && owner != doc.ID {
			report.Conflicts[decl.Field] = owner
		}
	}

	return report, nil
}

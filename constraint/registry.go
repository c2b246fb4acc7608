// Package constraint enforces unique constraints on document fields.
//
// A [Registry] holds the static set of fields declared unique. A [Checker]
// reports conflicts for a candidate document without changing anything, and
// an [Enforcer] applies writes so that the documents and their constraint
// entries change together in one storage transaction or not at all. [Index] is
// the thin view of a transaction's constraint entries that both of them use.
package constraint

import (
	"fmt"
	"sync"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/ordering"
)

// ErrSealed is returned when a declaration is made on a sealed Registry.
var ErrSealed = uniqdoc.NewError("constraint registry is sealed; declare constraints before opening sessions", uniqdoc.ErrSessionState)

// Option modifies a constraint declaration.
type Option func(*uniqdoc.ConstraintDeclaration)

// CaseInsensitive makes string values that differ only in case conflict with
// each other.
func CaseInsensitive() Option {
	return func(cd *uniqdoc.ConstraintDeclaration) {
		cd.CaseInsensitive = true
	}
}

// Registry is the set of unique constraints in effect. Declarations may only be
// added until the Registry is sealed, after which it is read-only.
//
// The zero-value is ready to use. Registry is safe for concurrent use.
type Registry struct {
	mtx    sync.RWMutex
	sealed bool
	decls  map[string]map[string]uniqdoc.ConstraintDeclaration // collection -> field -> decl
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DeclareUnique marks field of collection as unique. Declaring the same field
// again with the same options has no effect; declaring it with different
// options is an error.
func (r *Registry) DeclareUnique(collection, field string, opts ...Option) error {
	if collection == "" {
		return uniqdoc.NewError("collection must not be empty", uniqdoc.ErrBadArgument)
	}
	if field == "" {
		return uniqdoc.NewError("field must not be empty", uniqdoc.ErrBadArgument)
	}

	decl := uniqdoc.ConstraintDeclaration{Collection: collection, Field: field}
	for _, opt := range opts {
		opt(&decl)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if r.decls == nil {
		r.decls = map[string]map[string]uniqdoc.ConstraintDeclaration{}
	}
	fields, ok := r.decls[collection]
	if !ok {
		fields = map[string]uniqdoc.ConstraintDeclaration{}
		r.decls[collection] = fields
	}

	if existing, ok := fields[field]; ok {
		if existing != decl {
			return uniqdoc.NewError(fmt.Sprintf("%s is already declared as %s", decl, existing), uniqdoc.ErrAlreadyExists)
		}
		return nil
	}

	fields[field] = decl
	return nil
}

// Seal prevents any further declarations. Sealing a sealed Registry has no
// effect.
func (r *Registry) Seal() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.sealed = true
}

// Sealed returns whether the Registry has been sealed.
func (r *Registry) Sealed() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.sealed
}

// ForCollection returns the declarations for collection ordered by field name.
func (r *Registry) ForCollection(collection string) []uniqdoc.ConstraintDeclaration {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	fields := r.decls[collection]
	decls := make([]uniqdoc.ConstraintDeclaration, 0, len(fields))
	for _, d := range fields {
		decls = append(decls, d)
	}
	return ordering.By(decls, ordering.Declarations)
}

// All returns every declaration ordered by collection and then field.
func (r *Registry) All() []uniqdoc.ConstraintDeclaration {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var decls []uniqdoc.ConstraintDeclaration
	for _, fields := range r.decls {
		for _, d := range fields {
			decls = append(decls, d)
		}
	}
	return ordering.By(decls, ordering.Declarations)
}

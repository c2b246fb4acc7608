package uniqdoc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ConstraintDeclaration marks one field of one collection as unique.
type ConstraintDeclaration struct {
	Collection string
	Field      string

	// CaseInsensitive makes string values that differ only by case collide.
	CaseInsensitive bool
}

func (cd ConstraintDeclaration) String() string {
	s := cd.Collection + "." + cd.Field
	if cd.CaseInsensitive {
		s += " (case-insensitive)"
	}
	return s
}

// KeyFor returns the index key that value would occupy under cd. If value is
// nil, found is false and no key is returned; nil values are never indexed.
func (cd ConstraintDeclaration) KeyFor(value any) (key EntryKey, found bool, err error) {
	canon, ok, err := IndexValue(value, cd.CaseInsensitive)
	if err != nil {
		return EntryKey{}, false, fmt.Errorf("%s: %w", cd.Field, err)
	}
	if !ok {
		return EntryKey{}, false, nil
	}
	return EntryKey{Collection: cd.Collection, Field: cd.Field, Value: canon}, true, nil
}

// EntryKey identifies one constraint entry. Value is the canonical form
// produced by IndexValue, not the raw field value.
type EntryKey struct {
	Collection string
	Field      string
	Value      string
}

func (k EntryKey) String() string {
	return fmt.Sprintf("%s.%s[%s]", k.Collection, k.Field, k.Value)
}

// Path returns k as a single string that no other EntryKey maps to, for use as
// a storage key. Collection and Field are length-prefixed, so separator
// characters inside them cannot make two keys meet.
func (k EntryKey) Path() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(len(k.Collection)))
	sb.WriteRune(':')
	sb.WriteString(k.Collection)
	sb.WriteString(strconv.Itoa(len(k.Field)))
	sb.WriteRune(':')
	sb.WriteString(k.Field)
	sb.WriteString(k.Value)
	return sb.String()
}

// IndexValue converts a field value into the canonical string form used as
// part of a constraint index key. Values that compare equal for uniqueness
// purposes always produce the same string; integer and float kinds are folded
// so that 12, int64(12) and 12.0 collide.
//
// If v is nil, indexed is false and the value does not take part in any
// uniqueness check. Values that cannot be constrained (maps, slices, and the
// like) return an error that matches ErrBadArgument.
func IndexValue(v any, caseInsensitive bool) (canon string, indexed bool, err error) {
	switch tv := v.(type) {
	case nil:
		return "", false, nil
	case string:
		if caseInsensitive {
			tv = strings.ToLower(tv)
		}
		return "s:" + tv, true, nil
	case bool:
		return "b:" + strconv.FormatBool(tv), true, nil
	case int:
		return numInt(int64(tv)), true, nil
	case int8:
		return numInt(int64(tv)), true, nil
	case int16:
		return numInt(int64(tv)), true, nil
	case int32:
		return numInt(int64(tv)), true, nil
	case int64:
		return numInt(tv), true, nil
	case uint:
		return numUint(uint64(tv)), true, nil
	case uint8:
		return numUint(uint64(tv)), true, nil
	case uint16:
		return numUint(uint64(tv)), true, nil
	case uint32:
		return numUint(uint64(tv)), true, nil
	case uint64:
		return numUint(tv), true, nil
	case float32:
		return numFloat(float64(tv))
	case float64:
		return numFloat(tv)
	case json.Number:
		if i, convErr := tv.Int64(); convErr == nil {
			return numInt(i), true, nil
		}
		f, convErr := tv.Float64()
		if convErr != nil {
			return "", false, NewError(fmt.Sprintf("not a number: %q", tv.String()), ErrBadArgument)
		}
		return numFloat(f)
	default:
		return "", false, NewError(fmt.Sprintf("values of type %T cannot be constrained", v), ErrBadArgument)
	}
}

func numInt(i int64) string {
	return "n:" + strconv.FormatInt(i, 10)
}

func numUint(u uint64) string {
	return "n:" + strconv.FormatUint(u, 10)
}

func numFloat(f float64) (string, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false, NewError(fmt.Sprintf("%v cannot be constrained", f), ErrBadArgument)
	}
	if f == math.Trunc(f) {
		if f >= math.MinInt64 && f < math.MaxInt64 {
			return numInt(int64(f)), true, nil
		}
		if f > 0 && f < 1<<64 {
			return numUint(uint64(f)), true, nil
		}
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64), true, nil
}

// ConflictReport is the result of a speculative uniqueness check. It maps each
// conflicting field to the ID of the document that already owns the value. It
// is a read-only snapshot and is never persisted.
type ConflictReport struct {
	Collection string
	DocumentID string
	Conflicts  map[string]string
}

// IsFree returns whether the report has zero conflicts.
func (r ConflictReport) IsFree() bool {
	return len(r.Conflicts) == 0
}

// Owner returns the ID of the document that owns the value of field, if field
// is in conflict.
func (r ConflictReport) Owner(field string) (string, bool) {
	id, ok := r.Conflicts[field]
	return id, ok
}

// Fields returns the names of all conflicting fields in alphabetical order.
func (r ConflictReport) Fields() []string {
	fields := make([]string, 0, len(r.Conflicts))
	for f := range r.Conflicts {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (r ConflictReport) String() string {
	if r.IsFree() {
		return fmt.Sprintf("ConflictReport<%s/%s: free>", r.Collection, r.DocumentID)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ConflictReport<%s/%s:", r.Collection, r.DocumentID))
	for _, f := range r.Fields() {
		sb.WriteString(fmt.Sprintf(" %s->%q", f, r.Conflicts[f]))
	}
	sb.WriteRune('>')
	return sb.String()
}

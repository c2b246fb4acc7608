package constraint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/ordering"
)

// Entry is one constraint entry.
type Entry struct {
	Key uniqdoc.EntryKey
	ID  string
}

func (ent Entry) String() string {
	return fmt.Sprintf("%s->%q", ent.Key, ent.ID)
}

// VerifyReport lists the differences between the stored constraint entries and
// the entries the stored documents call for.
type VerifyReport struct {
	// Missing holds entries that documents call for but that are absent or
	// owned by a different document.
	Missing []Entry

	// Stale holds stored entries that no document calls for.
	Stale []Entry
}

// Consistent returns whether the report found no differences.
func (r VerifyReport) Consistent() bool {
	return len(r.Missing) == 0 && len(r.Stale) == 0
}

func (r VerifyReport) String() string {
	if r.Consistent() {
		return "VerifyReport<consistent>"
	}

	var sb strings.Builder
	sb.WriteString("VerifyReport<")
	sb.WriteString(fmt.Sprintf("%d missing, %d stale", len(r.Missing), len(r.Stale)))
	sb.WriteRune('>')
	return sb.String()
}

// expectedEntries returns the entries that the documents in tx call for. Two
// documents calling for the same entry is reported as a violation.
func (e *Enforcer) expectedEntries(ctx context.Context, tx uniqdoc.Tx) (map[uniqdoc.EntryKey]string, error) {
	expected := map[uniqdoc.EntryKey]string{}

	err := tx.ScanDocuments(ctx, func(doc uniqdoc.Document) error {
		for _, decl := range e.reg.ForCollection(doc.Collection) {
			key, ok, err := decl.KeyFor(doc.Get(decl.Field))
			if err != nil {
				return fmt.Errorf("document %q: %w", doc.ID, err)
			}
			if !ok {
				continue
			}
			if owner, dup := expected[key]; dup {
				return &uniqdoc.UniqueConstraintViolation{
					Collection: doc.Collection,
					Field:      decl.Field,
					Value:      doc.Get(decl.Field),
					ExistingID: owner,
				}
			}
			expected[key] = doc.ID
		}
		return nil
	})
	return expected, err
}

func storedEntries(ctx context.Context, tx uniqdoc.Tx) (map[uniqdoc.EntryKey]string, error) {
	stored := map[uniqdoc.EntryKey]string{}
	err := tx.ScanEntries(ctx, func(key uniqdoc.EntryKey, id string) error {
		stored[key] = id
		return nil
	})
	return stored, err
}

// Rebuild discards every stored constraint entry and recreates them from a
// full scan of the documents, in one transaction. It returns the number of
// entries written. If the stored documents themselves hold a duplicate unique
// value, Rebuild fails with a *uniqdoc.UniqueConstraintViolation and changes
// nothing.
func (e *Enforcer) Rebuild(ctx context.Context) (int, error) {
	tx, err := e.db.Begin(ctx, true)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	expected, err := e.expectedEntries(ctx, tx)
	if err != nil {
		return 0, err
	}
	stored, err := storedEntries(ctx, tx)
	if err != nil {
		return 0, err
	}

	idx := NewIndex(tx)
	for key, id := range stored {
		if expected[key] == id {
			continue
		}
		if err := idx.Remove(ctx, key); err != nil {
			return 0, err
		}
	}
	for key, id := range expected {
		if err := idx.Put(ctx, key, id); err != nil {
			var conflict *uniqdoc.ConflictError
			if errors.As(err, &conflict) {
				return 0, fmt.Errorf("rebuild %s: %w", key, err)
			}
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	e.log.Infof("rebuilt constraint index: %d entries", len(expected))
	return len(expected), nil
}

// Verify compares the stored constraint entries against the ones the stored
// documents call for. It changes nothing. If the stored documents themselves
// hold a duplicate unique value, Verify returns a
// *uniqdoc.UniqueConstraintViolation.
func (e *Enforcer) Verify(ctx context.Context) (VerifyReport, error) {
	tx, err := e.db.Begin(ctx, false)
	if err != nil {
		return VerifyReport{}, err
	}
	defer tx.Rollback()

	expected, err := e.expectedEntries(ctx, tx)
	if err != nil {
		return VerifyReport{}, err
	}
	stored, err := storedEntries(ctx, tx)
	if err != nil {
		return VerifyReport{}, err
	}

	var report VerifyReport
	for key, id := range expected {
		if stored[key] != id {
			report.Missing = append(report.Missing, Entry{Key: key, ID: id})
		}
	}
	for key, id := range stored {
		if _, ok := expected[key]; !ok {
			report.Stale = append(report.Stale, Entry{Key: key, ID: id})
		}
	}
	report.Missing = sortEntries(report.Missing)
	report.Stale = sortEntries(report.Stale)

	return report, nil
}

func sortEntries(entries []Entry) []Entry {
	return ordering.By(entries, func(left, right Entry) bool {
		return ordering.EntryKeys(left.Key, right.Key)
	})
}

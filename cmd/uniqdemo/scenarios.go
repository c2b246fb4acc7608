package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/docstore"
)

const (
	productCollection = "Products"
	gtinField         = "Gtin"

	product1ID = "b5d19a6c-821f-4286-b90f-3c9fcef3d5e4"
	product2ID = "1a2aece7-08d6-4e15-ac06-f5647a34d17f"
)

type scenario struct {
	name string

	// run returns a description of what happened, or an error if the
	// scenario did not behave as expected.
	run func(ctx context.Context, st *docstore.Store) (string, error)
}

var scenarios = []scenario{
	{name: "insert-conflict", run: runInsertConflict},
	{name: "update-conflict", run: runUpdateConflict},
	{name: "check-first", run: runCheckFirst},
}

func product(id, gtin string) uniqdoc.Document {
	return uniqdoc.Document{
		ID:         id,
		Collection: productCollection,
		Fields:     map[string]any{gtinField: gtin, "Name": "Product " + id[:8]},
	}
}

// reset removes both demo products so that every scenario starts the same on
// a persistent DB.
func reset(ctx context.Context, st *docstore.Store) (*docstore.Session, error) {
	sess, err := st.OpenSession()
	if err != nil {
		return nil, err
	}

	for _, id := range []string{product1ID, product2ID} {
		_, err := sess.Load(ctx, id)
		if errors.Is(err, uniqdoc.ErrNotFound) {
			continue
		} else if err != nil {
			sess.Close()
			return nil, err
		}
		if err := sess.Delete(id); err != nil {
			sess.Close()
			return nil, err
		}
	}
	if err := sess.SaveChanges(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("reset: %w", err)
	}
	return sess, nil
}

// expectViolation returns an error unless err is a violation on field owned
// by existingID.
func expectViolation(err error, field, existingID string) (*uniqdoc.UniqueConstraintViolation, error) {
	if err == nil {
		return nil, fmt.Errorf("expected a unique constraint violation but save succeeded")
	}
	var v *uniqdoc.UniqueConstraintViolation
	if !errors.As(err, &v) {
		return nil, fmt.Errorf("expected a unique constraint violation but got: %w", err)
	}
	if v.Field != field || v.ExistingID != existingID {
		return nil, fmt.Errorf("violation names %s owned by %q; expected %s owned by %q", v.Field, v.ExistingID, field, existingID)
	}
	return v, nil
}

func runInsertConflict(ctx context.Context, st *docstore.Store) (string, error) {
	sess, err := reset(ctx, st)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if _, err := sess.Store(product(product1ID, "ABC12345")); err != nil {
		return "", err
	}
	if _, err := sess.Store(product(product2ID, "ABC12345")); err != nil {
		return "", err
	}

	v, err := expectViolation(sess.SaveChanges(ctx), gtinField, product1ID)
	if err != nil {
		return "", err
	}

	_, err = sess.Load(ctx, product2ID)
	if !errors.Is(err, uniqdoc.ErrNotFound) {
		return "", fmt.Errorf("product 2 should not have been saved (load: %v)", err)
	}

	return fmt.Sprintf("save rejected: %v", v), nil
}

func runUpdateConflict(ctx context.Context, st *docstore.Store) (string, error) {
	sess, err := reset(ctx, st)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if _, err := sess.Store(product(product1ID, "ABC12345")); err != nil {
		return "", err
	}
	if _, err := sess.Store(product(product2ID, "XYZ12345")); err != nil {
		return "", err
	}
	if err := sess.SaveChanges(ctx); err != nil {
		return "", fmt.Errorf("initial save: %w", err)
	}

	p2, err := sess.Load(ctx, product2ID)
	if err != nil {
		return "", err
	}
	if _, err := sess.Store(p2.Merge(map[string]any{gtinField: "ABC12345"})); err != nil {
		return "", err
	}

	v, err := expectViolation(sess.SaveChanges(ctx), gtinField, product1ID)
	if err != nil {
		return "", err
	}

	p2, err = sess.Load(ctx, product2ID)
	if err != nil {
		return "", err
	}
	if p2.Get(gtinField) != "XYZ12345" {
		return "", fmt.Errorf("product 2 Gtin is %v after rejected update; expected XYZ12345", p2.Get(gtinField))
	}

	return fmt.Sprintf("update rejected, product 2 kept Gtin %v: %v", p2.Get(gtinField), v), nil
}

func runCheckFirst(ctx context.Context, st *docstore.Store) (string, error) {
	sess, err := reset(ctx, st)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	p1 := product(product1ID, "ABC12345")
	report, err := sess.CheckForUniqueConstraints(ctx, p1)
	if err != nil {
		return "", err
	}
	if !report.IsFree() {
		return "", fmt.Errorf("check before first save found conflicts: %s", report)
	}

	if _, err := sess.Store(p1); err != nil {
		return "", err
	}
	if err := sess.SaveChanges(ctx); err != nil {
		return "", fmt.Errorf("initial save: %w", err)
	}

	report, err = sess.CheckForUniqueConstraints(ctx, product(product2ID, "ABC12345"))
	if err != nil {
		return "", err
	}
	if report.IsFree() {
		return "", fmt.Errorf("check found no conflicts")
	}
	if owner, _ := report.Owner(gtinField); owner != product1ID {
		return "", fmt.Errorf("check names %q as owner of Gtin; expected %q", owner, product1ID)
	}

	return fmt.Sprintf("conflict found before storing: %s", report), nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dekarrin/uniqdoc"
)

type tx struct {
	tx       *sql.Tx
	writable bool
	done     bool
}

func (t *tx) usable(mutating bool) error {
	if t.done {
		return uniqdoc.NewError("transaction has already been committed or rolled back", uniqdoc.ErrBadArgument)
	}
	if mutating && !t.writable {
		return uniqdoc.ErrReadOnlyTx
	}
	return nil
}

func (t *tx) GetDocument(ctx context.Context, id string) (uniqdoc.Document, error) {
	if err := t.usable(false); err != nil {
		return uniqdoc.Document{}, err
	}

	doc := uniqdoc.Document{ID: id}
	var fields []byte

	row := t.tx.QueryRowContext(ctx, `SELECT collection, fields FROM documents WHERE id = ?;`, id)
	if err := row.Scan(&doc.Collection, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uniqdoc.Document{}, uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
		}
		return uniqdoc.Document{}, WrapDBError(err)
	}

	var err error
	doc.Fields, err = uniqdoc.DecodeFields(fields)
	if err != nil {
		return uniqdoc.Document{}, fmt.Errorf("document %q: %w", id, err)
	}
	return doc, nil
}

func (t *tx) PutDocument(ctx context.Context, doc uniqdoc.Document) error {
	if err := t.usable(true); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	fields, err := uniqdoc.EncodeFields(doc.Fields)
	if err != nil {
		return fmt.Errorf("document %q: %w", doc.ID, err)
	}

	_, err = t.tx.ExecContext(ctx, `INSERT INTO documents (id, collection, fields) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET collection = excluded.collection, fields = excluded.fields;`,
		doc.ID, doc.Collection, fields,
	)
	if err != nil {
		return WrapDBError(err)
	}
	return nil
}

func (t *tx) DeleteDocument(ctx context.Context, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?;`, id)
	if err != nil {
		return WrapDBError(err)
	}
	rowsAff, err := res.RowsAffected()
	if err != nil {
		return WrapDBError(err)
	}
	if rowsAff < 1 {
		return uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
	}
	return nil
}

func (t *tx) ScanDocuments(ctx context.Context, fn func(uniqdoc.Document) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT id, collection, fields FROM documents ORDER BY id;`)
	if err != nil {
		return WrapDBError(err)
	}

	// all rows are read before calling fn so that fn may run its own queries
	// on the transaction.
	var all []uniqdoc.Document
	for rows.Next() {
		var doc uniqdoc.Document
		var fields []byte
		if err := rows.Scan(&doc.ID, &doc.Collection, &fields); err != nil {
			rows.Close()
			return WrapDBError(err)
		}
		if doc.Fields, err = uniqdoc.DecodeFields(fields); err != nil {
			rows.Close()
			return fmt.Errorf("document %q: %w", doc.ID, err)
		}
		all = append(all, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return WrapDBError(err)
	}
	rows.Close()

	for _, doc := range all {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) LookupEntry(ctx context.Context, key uniqdoc.EntryKey) (string, error) {
	if err := t.usable(false); err != nil {
		return "", err
	}

	var id string
	row := t.tx.QueryRowContext(ctx, `SELECT doc_id FROM constraint_entries WHERE collection = ? AND field = ? AND value = ?;`,
		key.Collection, key.Field, key.Value,
	)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", uniqdoc.NewError(key.String(), uniqdoc.ErrNotFound)
		}
		return "", WrapDBError(err)
	}
	return id, nil
}

func (t *tx) PutEntry(ctx context.Context, key uniqdoc.EntryKey, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `INSERT INTO constraint_entries (collection, field, value, doc_id) VALUES (?, ?, ?, ?);`,
		key.Collection, key.Field, key.Value, id,
	)
	if err == nil {
		return nil
	}

	err = WrapDBError(err)
	if !errors.Is(err, uniqdoc.ErrConflict) {
		return err
	}

	// the value is taken; find out if it is taken by id itself.
	owner, lookupErr := t.LookupEntry(ctx, key)
	if lookupErr != nil {
		return lookupErr
	}
	if owner == id {
		return nil
	}
	return &uniqdoc.ConflictError{Key: key, ExistingID: owner}
}

func (t *tx) RemoveEntry(ctx context.Context, key uniqdoc.EntryKey) error {
	if err := t.usable(true); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `DELETE FROM constraint_entries WHERE collection = ? AND field = ? AND value = ?;`,
		key.Collection, key.Field, key.Value,
	)
	if err != nil {
		return WrapDBError(err)
	}
	return nil
}

func (t *tx) ScanEntries(ctx context.Context, fn func(uniqdoc.EntryKey, string) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT collection, field, value, doc_id FROM constraint_entries ORDER BY collection, field, value;`)
	if err != nil {
		return WrapDBError(err)
	}

	type entry struct {
		key uniqdoc.EntryKey
		id  string
	}
	var all []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key.Collection, &e.key.Field, &e.key.Value, &e.id); err != nil {
			rows.Close()
			return WrapDBError(err)
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return WrapDBError(err)
	}
	rows.Close()

	for _, e := range all {
		if err := fn(e.key, e.id); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Commit() error {
	if err := t.usable(false); err != nil {
		return err
	}
	t.done = true

	if !t.writable {
		// nothing was written; rolling back releases the connection just the
		// same.
		if err := t.tx.Rollback(); err != nil {
			return WrapDBError(err)
		}
		return nil
	}

	if err := t.tx.Commit(); err != nil {
		return WrapDBError(err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return WrapDBError(err)
	}
	return nil
}

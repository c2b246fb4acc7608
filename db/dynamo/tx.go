package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/ordering"
)

// tx is a transaction on a Store. Writes are buffered in docs and entries
// until Commit; a nil value in either map marks a deletion.
type tx struct {
	s        *Store
	ctx      context.Context
	writable bool
	done     bool

	docs    map[string]*uniqdoc.Document
	entries map[uniqdoc.EntryKey]*string

	// readDocs and readEntries hold the table state that a write tx first
	// read for each item. Every buffered write is conditional on it at commit.
	readDocs    map[string]docState
	readEntries map[uniqdoc.EntryKey]string // "" if the entry was absent
}

// docState is a document item as a transaction read it.
type docState struct {
	exists  bool
	version int64
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

func (t *tx) finish() {
	t.done = true
	if t.writable {
		t.s.writeMtx.Unlock()
	}
}

func (t *tx) getDoc(ctx context.Context, id string) (uniqdoc.Document, bool, error) {
	if pending, ok := t.docs[id]; ok {
		if pending == nil {
			return uniqdoc.Document{}, false, nil
		}
		return pending.Clone(), true, nil
	}

	item, err := t.s.getItem(ctx, documentPK(id))
	if err != nil {
		return uniqdoc.Document{}, false, err
	}
	if item == nil {
		t.sawDoc(id, docState{})
		return uniqdoc.Document{}, false, nil
	}
	doc, err := documentFromItem(item)
	if err != nil {
		return uniqdoc.Document{}, false, err
	}
	version, err := documentVersion(item)
	if err != nil {
		return uniqdoc.Document{}, false, fmt.Errorf("document %q: %w", id, err)
	}
	t.sawDoc(id, docState{exists: true, version: version})
	return doc, true, nil
}

// sawDoc records the state of a document read from the table, unless an
// earlier read already did.
func (t *tx) sawDoc(id string, state docState) {
	if !t.writable {
		return
	}
	if _, ok := t.readDocs[id]; !ok {
		t.readDocs[id] = state
	}
}

// sawEntry records the owner of an entry read from the table, unless an
// earlier read already did.
func (t *tx) sawEntry(key uniqdoc.EntryKey, owner string) {
	if !t.writable {
		return
	}
	if _, ok := t.readEntries[key]; !ok {
		t.readEntries[key] = owner
	}
}

func (t *tx) getEntry(ctx context.Context, key uniqdoc.EntryKey) (string, bool, error) {
	if pending, ok := t.entries[key]; ok {
		if pending == nil {
			return "", false, nil
		}
		return *pending, true, nil
	}

	item, err := t.s.getItem(ctx, entryPK(key))
	if err != nil {
		return "", false, err
	}
	if item == nil {
		t.sawEntry(key, "")
		return "", false, nil
	}
	_, id, err := entryFromItem(item)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", key, err)
	}
	t.sawEntry(key, id)
	return id, true, nil
}

func (t *tx) GetDocument(ctx context.Context, id string) (uniqdoc.Document, error) {
	if err := t.usable(false); err != nil {
		return uniqdoc.Document{}, err
	}

	doc, ok, err := t.getDoc(ctx, id)
	if err != nil {
		return uniqdoc.Document{}, err
	}
	if !ok {
		return uniqdoc.Document{}, uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
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
	if _, read := t.readDocs[doc.ID]; !read {
		// the write is conditional on the current version, so it must be known
		if _, _, err := t.getDoc(ctx, doc.ID); err != nil {
			return err
		}
	}

	stored := doc.Clone()
	t.docs[doc.ID] = &stored
	return nil
}

func (t *tx) DeleteDocument(ctx context.Context, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	_, ok, err := t.getDoc(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return uniqdoc.NewError(fmt.Sprintf("document %q", id), uniqdoc.ErrNotFound)
	}

	t.docs[id] = nil
	return nil
}

func (t *tx) ScanDocuments(ctx context.Context, fn func(uniqdoc.Document) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	var all []uniqdoc.Document
	err := t.s.scanKind(ctx, kindDocument, func(item map[string]types.AttributeValue) error {
		doc, err := documentFromItem(item)
		if err != nil {
			return err
		}
		if _, pending := t.docs[doc.ID]; !pending {
			all = append(all, doc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, d := range t.docs {
		if d != nil {
			all = append(all, d.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})

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

	id, ok, err := t.getEntry(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", uniqdoc.NewError(key.String(), uniqdoc.ErrNotFound)
	}
	return id, nil
}

func (t *tx) PutEntry(ctx context.Context, key uniqdoc.EntryKey, id string) error {
	if err := t.usable(true); err != nil {
		return err
	}

	owner, ok, err := t.getEntry(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if owner != id {
			return &uniqdoc.ConflictError{Key: key, ExistingID: owner}
		}
		return nil
	}

	newOwner := id
	t.entries[key] = &newOwner
	return nil
}

func (t *tx) RemoveEntry(ctx context.Context, key uniqdoc.EntryKey) error {
	if err := t.usable(true); err != nil {
		return err
	}

	if _, pending := t.entries[key]; !pending {
		if _, _, err := t.getEntry(ctx, key); err != nil {
			return err
		}
	}

	t.entries[key] = nil
	return nil
}

func (t *tx) ScanEntries(ctx context.Context, fn func(uniqdoc.EntryKey, string) error) error {
	if err := t.usable(false); err != nil {
		return err
	}

	type entry struct {
		key uniqdoc.EntryKey
		id  string
	}

	var all []entry
	err := t.s.scanKind(ctx, kindEntry, func(item map[string]types.AttributeValue) error {
		k, id, err := entryFromItem(item)
		if err != nil {
			return err
		}
		if _, pending := t.entries[k]; !pending {
			all = append(all, entry{key: k, id: id})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for k, id := range t.entries {
		if id != nil {
			all = append(all, entry{key: k, id: *id})
		}
	}
	all = ordering.By(all, func(left, right entry) bool {
		return ordering.EntryKeys(left.key, right.key)
	})

	for _, e := range all {
		if err := fn(e.key, e.id); err != nil {
			return err
		}
	}
	return nil
}

// writeItems builds the transaction items for all buffered writes. Each item
// is conditional on the table still holding what this tx read for it.
func (t *tx) writeItems() ([]types.TransactWriteItem, error) {
	table := aws.String(t.s.tableName)
	var items []types.TransactWriteItem

	docIDs := make([]string, 0, len(t.docs))
	for id := range t.docs {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	for _, id := range docIDs {
		d := t.docs[id]
		read := t.readDocs[id]
		cond := docCondition(read)

		if d == nil {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: table,
				Key: map[string]types.AttributeValue{
					attrPK: &types.AttributeValueMemberS{Value: documentPK(id)},
				},
				ConditionExpression:       cond.expr,
				ExpressionAttributeNames:  cond.names,
				ExpressionAttributeValues: cond.values,
			}})
			continue
		}

		item, err := documentItem(*d, read.version+1)
		if err != nil {
			return nil, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                 table,
			Item:                      item,
			ConditionExpression:       cond.expr,
			ExpressionAttributeNames:  cond.names,
			ExpressionAttributeValues: cond.values,
		}})
	}

	keys := make([]uniqdoc.EntryKey, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	keys = ordering.By(keys, ordering.EntryKeys)

	for _, k := range keys {
		id := t.entries[k]
		cond := entryCondition(t.readEntries[k])

		if id == nil {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: table,
				Key: map[string]types.AttributeValue{
					attrPK: &types.AttributeValueMemberS{Value: entryPK(k)},
				},
				ConditionExpression:       cond.expr,
				ExpressionAttributeNames:  cond.names,
				ExpressionAttributeValues: cond.values,
			}})
			continue
		}

		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                 table,
			Item:                      entryItem(k, *id),
			ConditionExpression:       cond.expr,
			ExpressionAttributeNames:  cond.names,
			ExpressionAttributeValues: cond.values,
		}})
	}

	return items, nil
}

// condition is a DynamoDB condition expression with its placeholders.
type condition struct {
	expr   *string
	names  map[string]string
	values map[string]types.AttributeValue
}

// docCondition requires a document item to be as read: absent, or present at
// the same version.
func docCondition(read docState) condition {
	switch {
	case !read.exists:
		return condition{
			expr:  aws.String("attribute_not_exists(#pk)"),
			names: map[string]string{"#pk": attrPK},
		}
	case read.version == 0:
		return condition{
			expr:  aws.String("attribute_exists(#pk) AND attribute_not_exists(#ver)"),
			names: map[string]string{"#pk": attrPK, "#ver": attrVersion},
		}
	default:
		return condition{
			expr:  aws.String("#ver = :ver"),
			names: map[string]string{"#ver": attrVersion},
			values: map[string]types.AttributeValue{
				":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(read.version, 10)},
			},
		}
	}
}

// entryCondition requires a constraint entry item to be as read: absent, or
// owned by the same document.
func entryCondition(owner string) condition {
	if owner == "" {
		return condition{
			expr:  aws.String("attribute_not_exists(#pk)"),
			names: map[string]string{"#pk": attrPK},
		}
	}
	return condition{
		expr:  aws.String("#doc_id = :owner"),
		names: map[string]string{"#doc_id": attrDocID},
		values: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	}
}

func (t *tx) Commit() error {
	if err := t.usable(false); err != nil {
		return err
	}
	defer t.finish()

	if !t.writable {
		return nil
	}

	items, err := t.writeItems()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxWritesPerTx {
		return uniqdoc.NewError(fmt.Sprintf("transaction has %d writes; at most %d are allowed", len(items), MaxWritesPerTx), uniqdoc.ErrBadArgument)
	}

	_, err = t.s.client.TransactWriteItems(t.ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return wrapCommitError(err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// Package dynamo provides a DB backed by a single Amazon DynamoDB table.
//
// Documents and constraint entries share one table with a string partition key
// named "pk". A document is stored under "doc#<id>" and a constraint entry
// under "uniq#" followed by its uniqdoc.EntryKey.Path.
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name uniqdoc \
//	  --attribute-definitions AttributeName=pk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// Reads are strongly consistent. All writes of a transaction are buffered and
// sent as one TransactWriteItems call on Commit. Every write in it is
// conditional on the item still being as the transaction read it: documents
// carry a version number that each write increments, and constraint entries
// must still be free or still owned by the document that owned them when read.
// Write transactions within one Store are also run one at a time, so two
// writers that share a Store never race; writers in different processes are
// caught by the conditions and their Commit fails with an error matching
// uniqdoc.ErrConflict.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dekarrin/uniqdoc"
)

// MaxWritesPerTx is the most items a single TransactWriteItems call may hold.
// Commit fails for a transaction with more buffered writes than this.
const MaxWritesPerTx = 100

const (
	attrPK         = "pk"
	attrKind       = "kind"
	attrID         = "id"
	attrCollection = "collection"
	attrFields     = "fields"
	attrField      = "field"
	attrValue      = "value"
	attrDocID      = "doc_id"
	attrVersion    = "version"

	kindDocument = "doc"
	kindEntry    = "entry"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is a DB in a DynamoDB table. Call [New] to get one.
type Store struct {
	client    DDBClient
	tableName string

	// writeMtx is held by a write transaction from Begin until it ends.
	writeMtx sync.Mutex

	mtx    sync.RWMutex
	closed bool
}

// New creates a Store that keeps its data in the named table using client. The
// table must already exist.
func New(client DDBClient, tableName string) (*Store, error) {
	if client == nil {
		return nil, uniqdoc.NewError("client must not be nil", uniqdoc.ErrBadArgument)
	}
	if tableName == "" {
		return nil, uniqdoc.NewError("table name must not be empty", uniqdoc.ErrBadArgument)
	}
	return &Store{client: client, tableName: tableName}, nil
}

// Begin starts a new transaction. A write transaction blocks until every other
// write transaction on this Store has ended.
func (s *Store) Begin(ctx context.Context, writable bool) (uniqdoc.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if writable {
		s.writeMtx.Lock()
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.closed {
		if writable {
			s.writeMtx.Unlock()
		}
		return nil, uniqdoc.ErrClosed
	}

	t := &tx{s: s, ctx: ctx, writable: writable}
	if writable {
		t.docs = map[string]*uniqdoc.Document{}
		t.entries = map[uniqdoc.EntryKey]*string{}
		t.readDocs = map[string]docState{}
		t.readEntries = map[uniqdoc.EntryKey]string{}
	}
	return t, nil
}

// Close ends the Store. The client is not closed, as DynamoDB clients hold no
// resources that need it. Calling Close on a closed Store has no effect.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("dynamo.Store<%s>", s.tableName)
}

func documentPK(id string) string {
	return "doc#" + id
}

func entryPK(k uniqdoc.EntryKey) string {
	return "uniq#" + k.Path()
}

func (s *Store) getItem(ctx context.Context, pk string) (map[string]types.AttributeValue, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, uniqdoc.WrapDBErrorf(err, "get %s", pk)
	}
	return resp.Item, nil
}

// scanKind calls fn with every item of the given kind in the table.
func (s *Store) scanKind(ctx context.Context, kind string, fn func(map[string]types.AttributeValue) error) error {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#kind = :kind"),
		ExpressionAttributeNames: map[string]string{
			"#kind": attrKind,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind": &types.AttributeValueMemberS{Value: kind},
		},
		ConsistentRead: aws.Bool(true),
	}

	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return uniqdoc.WrapDBErrorf(err, "scan %s items", kind)
		}
		for _, item := range resp.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	av, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", uniqdoc.NewError(fmt.Sprintf("missing or invalid %s attribute", name), uniqdoc.ErrDecodingFailure)
	}
	return av.Value, nil
}

func documentItem(doc uniqdoc.Document, version int64) (map[string]types.AttributeValue, error) {
	fields, err := uniqdoc.EncodeFields(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", doc.ID, err)
	}
	return map[string]types.AttributeValue{
		attrPK:         &types.AttributeValueMemberS{Value: documentPK(doc.ID)},
		attrKind:       &types.AttributeValueMemberS{Value: kindDocument},
		attrID:         &types.AttributeValueMemberS{Value: doc.ID},
		attrCollection: &types.AttributeValueMemberS{Value: doc.Collection},
		attrFields:     &types.AttributeValueMemberB{Value: fields},
		attrVersion:    &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}, nil
}

// documentVersion returns the version of a stored document item. Items
// written without a version have version 0.
func documentVersion(item map[string]types.AttributeValue) (int64, error) {
	av, ok := item[attrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return 0, uniqdoc.NewError(fmt.Sprintf("invalid %s attribute %q", attrVersion, av.Value), uniqdoc.ErrDecodingFailure)
	}
	return v, nil
}

func documentFromItem(item map[string]types.AttributeValue) (uniqdoc.Document, error) {
	var doc uniqdoc.Document
	var err error

	if doc.ID, err = stringAttr(item, attrID); err != nil {
		return doc, err
	}
	if doc.Collection, err = stringAttr(item, attrCollection); err != nil {
		return doc, fmt.Errorf("document %q: %w", doc.ID, err)
	}

	var raw []byte
	if av, ok := item[attrFields].(*types.AttributeValueMemberB); ok {
		raw = av.Value
	}
	if doc.Fields, err = uniqdoc.DecodeFields(raw); err != nil {
		return doc, fmt.Errorf("document %q: %w", doc.ID, err)
	}
	return doc, nil
}

func entryItem(k uniqdoc.EntryKey, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK:         &types.AttributeValueMemberS{Value: entryPK(k)},
		attrKind:       &types.AttributeValueMemberS{Value: kindEntry},
		attrCollection: &types.AttributeValueMemberS{Value: k.Collection},
		attrField:      &types.AttributeValueMemberS{Value: k.Field},
		attrValue:      &types.AttributeValueMemberS{Value: k.Value},
		attrDocID:      &types.AttributeValueMemberS{Value: id},
	}
}

func entryFromItem(item map[string]types.AttributeValue) (uniqdoc.EntryKey, string, error) {
	var k uniqdoc.EntryKey
	var err error

	if k.Collection, err = stringAttr(item, attrCollection); err != nil {
		return k, "", err
	}
	if k.Field, err = stringAttr(item, attrField); err != nil {
		return k, "", err
	}
	if k.Value, err = stringAttr(item, attrValue); err != nil {
		return k, "", err
	}
	id, err := stringAttr(item, attrDocID)
	if err != nil {
		return k, "", err
	}
	return k, id, nil
}

// wrapCommitError converts an error from TransactWriteItems for return to
// callers. A cancellation caused by a failed condition means another writer
// changed an item this transaction read, and matches uniqdoc.ErrConflict.
func wrapCommitError(err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return uniqdoc.NewError("item was changed by a concurrent writer", uniqdoc.ErrConflict, uniqdoc.ErrDB)
			}
		}
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return uniqdoc.NewError("item was changed by a concurrent writer", uniqdoc.ErrConflict, uniqdoc.ErrDB)
	}
	return uniqdoc.WrapDBError(err, "commit")
}

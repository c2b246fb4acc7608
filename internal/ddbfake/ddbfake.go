// Package ddbfake provides an in-memory stand-in for a DynamoDB client, for
// use in tests of code that keeps its data in DynamoDB via db/dynamo.
//
// Only the calls and expressions that db/dynamo sends are understood: GetItem
// by partition key "pk", Scan filtered on the "kind" attribute, and
// TransactWriteItems with Put and Delete items. Condition expressions may
// join terms with OR and AND, where a term is attribute_exists(#n),
// attribute_not_exists(#n) or #n = :v on a string or number attribute.
package ddbfake

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultPageSize is the number of items a Scan examines per page unless
// Client.PageSize is changed.
const DefaultPageSize = 2

// Client is a fake DynamoDB client holding a single table. Create one with
// New. It is safe for concurrent use.
type Client struct {
	mtx   sync.Mutex
	items map[string]map[string]types.AttributeValue // pk -> item

	// PageSize is the number of items each Scan page examines. It is small by
	// default so that callers are made to follow pagination.
	PageSize int

	// FailWith, if set, is returned by every call.
	FailWith error

	// BeforeWrite, if set, is called once at the start of the next
	// TransactWriteItems call and then cleared. It may itself call Client.
	BeforeWrite func()
}

// New returns an empty Client.
func New() *Client {
	return &Client{
		items:    map[string]map[string]types.AttributeValue{},
		PageSize: DefaultPageSize,
	}
}

// Len returns the number of items in the table.
func (c *Client) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.items)
}

func pkOf(key map[string]types.AttributeValue) string {
	s, _ := key["pk"].(*types.AttributeValueMemberS)
	if s == nil {
		return ""
	}
	return s.Value
}

func stringValue(av types.AttributeValue) string {
	s, _ := av.(*types.AttributeValueMemberS)
	if s == nil {
		return ""
	}
	return s.Value
}

func (c *Client) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.FailWith != nil {
		return nil, c.FailWith
	}
	if item, ok := c.items[pkOf(params.Key)]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (c *Client) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.FailWith != nil {
		return nil, c.FailWith
	}

	kind := stringValue(params.ExpressionAttributeValues[":kind"])

	pks := make([]string, 0, len(c.items))
	for pk := range c.items {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	start := ""
	if params.ExclusiveStartKey != nil {
		start = pkOf(params.ExclusiveStartKey)
	}

	pageSize := c.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	out := &dynamodb.ScanOutput{}
	examined := 0
	for _, pk := range pks {
		if start != "" && pk <= start {
			continue
		}
		if examined == pageSize {
			out.LastEvaluatedKey = map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: start},
			}
			return out, nil
		}
		examined++
		start = pk

		item := c.items[pk]
		if stringValue(item["kind"]) == kind {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (c *Client) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mtx.Lock()
	hook := c.BeforeWrite
	c.BeforeWrite = nil
	c.mtx.Unlock()
	if hook != nil {
		hook()
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.FailWith != nil {
		return nil, c.FailWith
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, ti := range params.TransactItems {
		reasons[i].Code = aws.String("None")

		var pk string
		var expr *string
		var names map[string]string
		var values map[string]types.AttributeValue
		switch {
		case ti.Put != nil:
			pk, expr = pkOf(ti.Put.Item), ti.Put.ConditionExpression
			names, values = ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Delete != nil:
			pk, expr = pkOf(ti.Delete.Key), ti.Delete.ConditionExpression
			names, values = ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		}
		if expr == nil {
			continue
		}
		if !conditionHolds(*expr, names, values, c.items[pk]) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			c.items[pkOf(ti.Put.Item)] = ti.Put.Item
		case ti.Delete != nil:
			delete(c.items, pkOf(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// conditionHolds evaluates expr against item, which is nil if the item does not
// exist.
func conditionHolds(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) bool {
	for _, clause := range strings.Split(expr, " OR ") {
		holds := true
		for _, term := range strings.Split(clause, " AND ") {
			if !termHolds(strings.TrimSpace(term), names, values, item) {
				holds = false
				break
			}
		}
		if holds {
			return true
		}
	}
	return false
}

func termHolds(term string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) bool {
	attr := func(placeholder string) (types.AttributeValue, bool) {
		av, ok := item[names[strings.TrimSpace(placeholder)]]
		return av, ok && av != nil
	}

	switch {
	case strings.HasPrefix(term, "attribute_exists(") && strings.HasSuffix(term, ")"):
		_, ok := attr(term[len("attribute_exists(") : len(term)-1])
		return ok
	case strings.HasPrefix(term, "attribute_not_exists(") && strings.HasSuffix(term, ")"):
		_, ok := attr(term[len("attribute_not_exists(") : len(term)-1])
		return !ok
	}

	left, right, ok := strings.Cut(term, " = ")
	if !ok {
		panic("ddbfake: unsupported condition term: " + term)
	}
	av, ok := attr(left)
	if !ok {
		return false
	}
	actual, actualOK := scalar(av)
	expect, expectOK := scalar(values[strings.TrimSpace(right)])
	return actualOK && expectOK && actual == expect
}

// scalar returns a string or number attribute value in a form where equal
// values of the same type compare equal.
func scalar(av types.AttributeValue) (string, bool) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S" + v.Value, true
	case *types.AttributeValueMemberN:
		return "N" + v.Value, true
	default:
		return "", false
	}
}

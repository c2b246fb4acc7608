package uniqdoc

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/dekarrin/rezi/v2"
	"go.mongodb.org/mongo-driver/bson"
)

// Document is a schemaless record identified by an ID and stored in a named
// collection. IDs are unique across the whole store, not just within a
// collection.
type Document struct {
	ID         string
	Collection string
	Fields     map[string]any
}

// Get returns the value of the named field, or nil if it is not set.
func (d Document) Get(field string) any {
	if d.Fields == nil {
		return nil
	}
	return d.Fields[field]
}

// Clone returns a copy of d whose Fields map may be modified without affecting
// d. Field values themselves are not deep-copied.
func (d Document) Clone() Document {
	c := Document{ID: d.ID, Collection: d.Collection}
	if d.Fields != nil {
		c.Fields = make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Merge returns a copy of d with newValues applied over its fields. A nil value
// in newValues removes that field.
func (d Document) Merge(newValues map[string]any) Document {
	merged := d.Clone()
	if merged.Fields == nil {
		merged.Fields = map[string]any{}
	}
	for k, v := range newValues {
		if v == nil {
			delete(merged.Fields, k)
		} else {
			merged.Fields[k] = v
		}
	}
	return merged
}

// Validate returns an error if d cannot be stored as-is. Every field value must
// be encodable by EncodeFields, so unsigned integers above math.MaxInt64 are
// rejected.
func (d Document) Validate() error {
	if d.ID == "" {
		return NewError("document ID must not be empty", ErrBadArgument)
	}
	if d.Collection == "" {
		return NewError(fmt.Sprintf("document %q: collection must not be empty", d.ID), ErrBadArgument)
	}
	if _, err := EncodeFields(d.Fields); err != nil {
		return NewError(fmt.Sprintf("document %q: fields cannot be stored", d.ID), err, ErrBadArgument)
	}
	return nil
}

func (d Document) String() string {
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(d.Collection)
	sb.WriteRune('/')
	sb.WriteString(d.ID)
	sb.WriteRune('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s=%v", k, d.Fields[k]))
	}
	sb.WriteRune('}')
	return sb.String()
}

// EncodeFields converts a document field map to BSON bytes.
func EncodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return bson.Marshal(fields)
}

// DecodeFields converts BSON bytes created by EncodeFields back into a field
// map.
func DecodeFields(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := bson.Unmarshal(data, &fields); err != nil {
		return nil, NewError("decode fields", err, ErrDecodingFailure)
	}
	return fields, nil
}

func (d Document) MarshalBinary() ([]byte, error) {
	fieldBytes, err := EncodeFields(d.Fields)
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}

	var enc []byte

	enc = append(enc, rezi.MustEnc(d.ID)...)
	enc = append(enc, rezi.MustEnc(d.Collection)...)
	enc = append(enc, rezi.MustEnc(fieldBytes)...)

	return enc, nil
}

func (d *Document) UnmarshalBinary(data []byte) error {
	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var decoded Document
	var fieldBytes []byte

	err = rr.Dec(&decoded.ID)
	if err != nil {
		return rezi.Wrapf(0, "id: %s", err)
	}

	err = rr.Dec(&decoded.Collection)
	if err != nil {
		return rezi.Wrapf(0, "collection: %s", err)
	}

	err = rr.Dec(&fieldBytes)
	if err != nil {
		return rezi.Wrapf(0, "fields: %s", err)
	}

	decoded.Fields, err = DecodeFields(fieldBytes)
	if err != nil {
		return err
	}

	*d = decoded
	return nil
}

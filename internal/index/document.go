package index

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// IDField is the reserved field holding a document's identifier.
const IDField = "_id"

// Field is one name/value pair of a document. A name may repeat.
type Field struct {
	Name  string
	Value string
}

// Document is an ordered list of fields. Field order is preserved through
// encoding.
type Document struct {
	Fields []Field
}

// NewDocument returns a document carrying only its identifier.
func NewDocument(id string) Document {
	return Document{Fields: []Field{{Name: IDField, Value: id}}}
}

// Add appends a field value and returns the document for chaining.
func (d Document) Add(name, value string) Document {
	d.Fields = append(slices.Clip(d.Fields), Field{Name: name, Value: value})
	return d
}

// ID returns the document identifier or "" if it has none.
func (d Document) ID() string {
	return d.Get(IDField)
}

// Get returns the first value of name.
func (d Document) Get(name string) string {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Values returns every value of name in field order.
func (d Document) Values(name string) []string {
	var out []string
	for _, f := range d.Fields {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether the document carries name=value.
func (d Document) Has(name, value string) bool {
	for _, f := range d.Fields {
		if f.Name == name && f.Value == value {
			return true
		}
	}
	return false
}

// Term addresses documents by an exact field value.
type Term struct {
	Field string
	Text  string
}

// IDTerm is the term matching a document identifier.
func IDTerm(id string) Term {
	return Term{Field: IDField, Text: id}
}

func (t Term) String() string {
	return t.Field + ":" + t.Text
}

// Wire layout: each field is a length-delimited message (1) holding
// name (1) and value (2).
const (
	docFieldNum   protowire.Number = 1
	fieldNameNum  protowire.Number = 1
	fieldValueNum protowire.Number = 2
)

var errMalformedDocument = errors.New("malformed document encoding")

func encodeDocument(d Document) []byte {
	var buf []byte
	for _, f := range d.Fields {
		var inner []byte
		inner = protowire.AppendTag(inner, fieldNameNum, protowire.BytesType)
		inner = protowire.AppendString(inner, f.Name)
		inner = protowire.AppendTag(inner, fieldValueNum, protowire.BytesType)
		inner = protowire.AppendString(inner, f.Value)

		buf = protowire.AppendTag(buf, docFieldNum, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}
	return buf
}

func decodeDocument(b []byte) (Document, error) {
	var d Document
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
		}
		b = b[n:]
		if num != docFieldNum || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return d, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
		}
		b = b[n:]
		f, err := decodeField(inner)
		if err != nil {
			return d, err
		}
		d.Fields = append(d.Fields, f)
	}
	return d, nil
}

func decodeField(b []byte) (Field, error) {
	var f Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldNameNum && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
			}
			f.Name = v
			b = b[n:]
		case num == fieldValueNum && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
			}
			f.Value = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errMalformedDocument, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

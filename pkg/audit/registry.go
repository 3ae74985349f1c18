// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-openapi/jsonpointer"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/naming"
	"github.com/telekom/csvaudit/pkg/tamper"
)

// ColumnKind decides how a cell is encoded and decoded. It is derived once per
// field from the declared schema type.
type ColumnKind int

const (
	// ColumnScalar cells hold the value as text.
	ColumnScalar ColumnKind = iota
	// ColumnNumber cells are decoded as JSON numbers.
	ColumnNumber
	// ColumnBoolean cells are decoded as true or false.
	ColumnBoolean
	// ColumnComposite cells hold objects and arrays as JSON text.
	ColumnComposite
)

func columnKind(declaredType string) ColumnKind {
	switch declaredType {
	case schema.TypeNumber, schema.TypeInteger:
		return ColumnNumber
	case schema.TypeBoolean:
		return ColumnBoolean
	case schema.TypeObject, schema.TypeArray:
		return ColumnComposite
	default:
		return ColumnScalar
	}
}

// field is a resolved field locator with its cached column name.
type field struct {
	pointer jsonpointer.Pointer
	tokens  []string
	column  string
	kind    ColumnKind
}

// topicFields is the fixed field list of one topic.
type topicFields struct {
	name     string
	schema   *schema.Schema
	fields   []field
	byColumn map[string]int
}

// columns returns the header of the topic log.
func (t *topicFields) columns() []string {
	out := make([]string, len(t.fields))
	for i, f := range t.fields {
		out[i] = f.column
	}
	return out
}

// toColumn converts a JSON pointer into its dot-joined column name.
func toColumn(tokens []string) string {
	return strings.Join(tokens, ".")
}

// fromColumn converts a column name back into pointer tokens.
func fromColumn(column string) []string {
	return strings.Split(column, ".")
}

// Registry holds the field lists of all configured topics. It is built once
// per configuration and never modified afterwards.
type Registry struct {
	topics map[string]*topicFields
}

func newRegistry() *Registry {
	return &Registry{topics: make(map[string]*topicFields)}
}

// buildRegistry registers every topic of catalog. A topic with an unusable
// name or schema is logged and skipped.
func buildRegistry(catalog schema.Catalog, logger *zap.Logger) *Registry {
	r := newRegistry()
	for _, name := range sortedTopics(catalog) {
		if err := r.register(name, catalog.Topics[name].Schema); err != nil {
			logger.Error("skipping unusable audit topic",
				zap.String("topic", name),
				zap.Error(err))
		}
	}
	return r
}

func sortedTopics(catalog schema.Catalog) []string {
	names := make([]string, 0, len(catalog.Topics))
	for name := range catalog.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) register(topic string, s *schema.Schema) error {
	if err := naming.ValidateTopic(topic); err != nil {
		return newError(KindSchema, topic, "topic name cannot be used as a log file name", err)
	}
	pointers, err := schema.FieldPointers(s)
	if err != nil {
		return newError(KindSchema, topic, "topic has no resolvable field schema", err)
	}

	tf := &topicFields{
		name:     topic,
		schema:   s,
		fields:   make([]field, 0, len(pointers)),
		byColumn: make(map[string]int, len(pointers)),
	}
	for _, p := range pointers {
		ptr, err := jsonpointer.New(p)
		if err != nil {
			return newError(KindSchema, topic, fmt.Sprintf("invalid field locator %q", p), err)
		}
		tokens := ptr.DecodedTokens()
		column := toColumn(tokens)
		if column == tamper.HMACColumn || column == tamper.SignatureColumn {
			return newError(KindSchema, topic, fmt.Sprintf("field %q uses a reserved column name", p), nil)
		}
		if _, dup := tf.byColumn[column]; dup {
			return newError(KindSchema, topic, fmt.Sprintf("fields collide on column %q", column), nil)
		}
		kind := columnKind(schema.PropertyType(s, p))
		if column == schema.IDField {
			// Events are looked up by the text of their id.
			kind = ColumnScalar
		}
		tf.byColumn[column] = len(tf.fields)
		tf.fields = append(tf.fields, field{
			pointer: ptr,
			tokens:  tokens,
			column:  column,
			kind:    kind,
		})
	}
	r.topics[topic] = tf
	return nil
}

func (r *Registry) topic(name string) (*topicFields, bool) {
	tf, ok := r.topics[name]
	return tf, ok
}

// Topics returns the registered topic names in sorted order.
func (r *Registry) Topics() []string {
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

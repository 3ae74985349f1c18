// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/metrics"
	"github.com/telekom/csvaudit/pkg/tamper"
)

// project maps an event onto the cells of its row, keyed by column name.
// Absent, null and empty string values produce no cell.
func (t *topicFields) project(doc Document) (map[string]string, error) {
	cells := make(map[string]string, len(t.fields))
	for _, f := range t.fields {
		value, _, err := f.pointer.Get(map[string]any(doc))
		if err != nil || value == nil {
			continue
		}
		text, err := cellText(value)
		if err != nil {
			return nil, newError(KindBadRequest, t.name, "field "+f.column+" cannot be encoded", err)
		}
		if text == "" {
			continue
		}
		cells[f.column] = text
	}
	return cells, nil
}

func cellText(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// column is one header column of a log being read.
type column struct {
	index  int
	tokens []string
	kind   ColumnKind
}

// columnPlan decodes the rows of one log.
type columnPlan struct {
	topic   string
	columns []column
	layout  tamper.Layout
	secure  bool
}

// plan builds the decoding plan for a log header. Columns of the current
// field list use their cached kind; columns left over from an earlier schema
// are resolved against the schema by name.
func (t *topicFields) plan(header []string) columnPlan {
	p := columnPlan{topic: t.name}
	p.layout, p.secure = tamper.DetectLayout(header)
	for i, name := range header {
		if p.secure && (i == p.layout.HMAC || i == p.layout.Signature) {
			continue
		}
		if idx, ok := t.byColumn[name]; ok {
			f := t.fields[idx]
			p.columns = append(p.columns, column{index: i, tokens: f.tokens, kind: f.kind})
			continue
		}
		tokens := fromColumn(name)
		p.columns = append(p.columns, column{
			index:  i,
			tokens: tokens,
			kind:   columnKind(schema.PropertyType(t.schema, pointerOf(tokens))),
		})
	}
	return p
}

func pointerOf(tokens []string) string {
	var b strings.Builder
	for _, token := range tokens {
		b.WriteByte('/')
		b.WriteString(jsonpointer.Escape(token))
	}
	return b.String()
}

// skip reports whether record is a signature row.
func (p columnPlan) skip(record []string) bool {
	return p.secure && p.layout.IsSignatureRow(record)
}

// document reassembles a row into an event. Empty cells produce no field.
func (p columnPlan) document(record []string, logger *zap.Logger) Document {
	doc := Document{}
	for _, c := range p.columns {
		if c.index >= len(record) || record[c.index] == "" {
			continue
		}
		assemble(doc, c.tokens, p.decode(c, record[c.index], logger))
	}
	return doc
}

func (p columnPlan) decode(c column, cell string, logger *zap.Logger) any {
	switch c.kind {
	case ColumnComposite:
		if !bracketed(cell) {
			return cell
		}
		var v any
		if err := json.Unmarshal([]byte(cell), &v); err != nil {
			logger.Debug("composite cell is not valid JSON, keeping raw text",
				zap.String("topic", p.topic),
				zap.String("column", toColumn(c.tokens)),
				zap.Error(err))
			metrics.MalformedCompositeCells.WithLabelValues(p.topic).Inc()
			return cell
		}
		return v
	case ColumnNumber:
		if n, err := strconv.ParseFloat(cell, 64); err == nil {
			return n
		}
		return cell
	case ColumnBoolean:
		switch cell {
		case "true":
			return true
		case "false":
			return false
		}
		return cell
	default:
		return cell
	}
}

func bracketed(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

// assemble sets value at the location named by tokens, creating
// intermediate objects. A location already holding a non-object value is left
// untouched.
func assemble(doc map[string]any, tokens []string, value any) {
	node := doc
	for _, token := range tokens[:len(tokens)-1] {
		next, ok := node[token]
		if !ok {
			child := map[string]any{}
			node[token] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	node[tokens[len(tokens)-1]] = value
}

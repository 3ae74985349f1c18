// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/csvfmt"
	"github.com/telekom/csvaudit/pkg/metrics"
)

// scan reads the log of a topic and returns the events matching pred.
// A missing log is an empty result. Each call opens its own read session
// without coordinating with writers; a trailing row torn by a concurrent
// append is ignored. Events with identical content are returned once.
func (st *state) scan(tf *topicFields, pred Predicate, logger *zap.Logger) ([]Document, error) {
	if pred == nil {
		pred = AlwaysTrue
	}

	path := logPath(st.handler.LogDirectory, tf.name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindInternal, tf.name, "failed to open audit log", err)
	}
	defer func() { _ = f.Close() }()

	reader := csvfmt.NewReader(f, st.preference)
	header, err := reader.Read()
	if err == io.EOF || errors.Is(err, csvfmt.ErrTornRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindInternal, tf.name, "failed to read audit log header", err)
	}
	plan := tf.plan(header)

	var (
		results []Document
		seen    = map[string]struct{}{}
		scanned int
	)
	defer func() { metrics.RowsScanned.WithLabelValues(tf.name).Add(float64(scanned)) }()

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, csvfmt.ErrTornRecord) {
			logger.Debug("ignoring incomplete trailing row",
				zap.String("topic", tf.name),
				zap.Int("line", reader.Line()))
			break
		}
		if err != nil {
			return nil, newError(KindInternal, tf.name, fmt.Sprintf("failed to read line %d", reader.Line()), err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if plan.skip(record) {
			continue
		}
		scanned++

		doc := plan.document(record, logger)
		if !pred(doc) {
			continue
		}
		key, err := json.Marshal(doc)
		if err != nil {
			return nil, newError(KindInternal, tf.name, "failed to encode event", err)
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		results = append(results, doc)
	}
	return results, nil
}

// readOne returns the first event of the topic with the given identity.
func (st *state) readOne(tf *topicFields, id string, logger *zap.Logger) (Document, error) {
	docs, err := st.scan(tf, FieldEquals("/"+schema.IDField, id), logger)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, newError(KindNotFound, tf.name, fmt.Sprintf("audit event %q not found", id), nil)
	}
	return docs[0], nil
}

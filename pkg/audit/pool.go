// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/metrics"
)

// opener opens the writer of a topic.
type opener func(topic string) (Writer, error)

// slot holds the active writer of one topic. mu is the topic-scoped exclusive
// section: writes, resets and closes of the writer happen under it.
type slot struct {
	mu     sync.Mutex
	writer Writer
}

// pool maps topics to their active writers. The set of slots is fixed when
// the pool is built; only the writers inside the slots change.
type pool struct {
	slots  map[string]*slot
	open   opener
	logger *zap.Logger
}

// newPool opens a writer for every topic. A topic whose writer cannot be
// opened keeps an empty slot; the next publish retries the open.
func newPool(topics []string, open opener, logger *zap.Logger) *pool {
	p := &pool{
		slots:  make(map[string]*slot, len(topics)),
		open:   open,
		logger: logger,
	}
	for _, topic := range topics {
		s := &slot{}
		w, err := open(topic)
		if err != nil {
			metrics.WriterOpenFailures.WithLabelValues(topic).Inc()
			logger.Error("failed to open audit log",
				zap.String("topic", topic),
				zap.Error(err))
		} else {
			s.writer = w
		}
		p.slots[topic] = s
	}
	return p
}

func (p *pool) slot(topic string) (*slot, bool) {
	s, ok := p.slots[topic]
	return s, ok
}

// resetLocked discards failed if it is still the active writer of the slot
// and opens a replacement. A writer that was already replaced is kept. The
// caller holds s.mu.
func (p *pool) resetLocked(topic string, s *slot, failed Writer) (Writer, error) {
	if s.writer != nil && s.writer == failed {
		s.writer = nil
		metrics.WriterResets.WithLabelValues(topic).Inc()
		if err := failed.Close(); err != nil {
			p.logger.Warn("closing failed audit writer reported an error",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	if s.writer != nil {
		return s.writer, nil
	}

	w, err := p.open(topic)
	if err != nil {
		metrics.WriterOpenFailures.WithLabelValues(topic).Inc()
		return nil, fmt.Errorf("failed to reopen audit log: %w", err)
	}
	s.writer = w
	return w, nil
}

// closeAll closes every writer and empties the slots. All writers are closed
// even if some fail; the failures are joined.
func (p *pool) closeAll() error {
	topics := make([]string, 0, len(p.slots))
	for topic := range p.slots {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var errs []error
	for _, topic := range topics {
		s := p.slots[topic]
		s.mu.Lock()
		if s.writer != nil {
			if err := s.writer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("topic %s: %w", topic, err))
			}
			s.writer = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/metrics"
)

// writeWithRetry runs the write path of one row:
//
//	Writing -> Success
//	Writing -> Failed -> Reset -> Writing -> Success | FatalFailure
//
// A failed write discards the writer, opens a replacement and retries exactly
// once. There is no backoff and no further retry.
func (p *pool) writeWithRetry(topic string, cells map[string]string) (Outcome, error) {
	s, ok := p.slot(topic)
	if !ok {
		return Rejected, newError(KindNotFound, topic, "no audit log configured for topic", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.writer
	if current != nil {
		err := current.WriteRow(cells)
		if err == nil {
			return Stored, nil
		}
		p.logger.Debug("audit write failed, resetting writer and retrying",
			zap.String("topic", topic),
			zap.Error(err))
	}

	replacement, err := p.resetLocked(topic, s, current)
	if err != nil {
		return Rejected, newError(KindBadRequest, topic, "event could not be persisted", err)
	}
	if err := replacement.WriteRow(cells); err != nil {
		return Rejected, newError(KindBadRequest, topic, "event could not be persisted", err)
	}
	return RetriedAndStored, nil
}

func recordOutcome(topic string, outcome Outcome) {
	metrics.EventsPublished.WithLabelValues(topic, outcome.String()).Inc()
}

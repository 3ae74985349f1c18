/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/config"
	"github.com/telekom/csvaudit/pkg/csvfmt"
	"github.com/telekom/csvaudit/pkg/metrics"
	"github.com/telekom/csvaudit/pkg/tamper"
)

// state is one applied configuration. It is never modified after it has
// been published to Service.current.
type state struct {
	handler    config.Handler
	preference csvfmt.Preference
	registry   *Registry
	pool       *pool
	signing    *signing
}

func (st *state) writerOptions() writerOptions {
	return writerOptions{
		directory:  st.handler.LogDirectory,
		preference: st.preference,
		signing:    st.signing,
	}
}

// Service is the flat-file audit handler. Configure and Close hold the
// exclusive side of mu; Publish, Query, Read and Verify hold the shared side,
// so they always observe one complete configuration.
type Service struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	current *state

	// open creates topic writers; replaced in tests.
	open func(st *state, topic string) (Writer, error)
}

// NewService creates an unconfigured Service.
func NewService(logger *zap.Logger) *Service {
	s := &Service{logger: logger.Named("audit-service")}
	s.open = s.defaultOpen
	return s
}

func (s *Service) defaultOpen(st *state, topic string) (Writer, error) {
	tf, ok := st.registry.topic(topic)
	if !ok {
		return nil, fmt.Errorf("topic %s is not registered", topic)
	}
	return openWriter(topic, tf.columns(), st.writerOptions(), s.logger)
}

// IsConfigured reports whether a configuration is active.
func (s *Service) IsConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Topics returns the registered topics of the active configuration.
func (s *Service) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.registry.Topics()
}

// Configure validates cfg and replaces the active configuration. An invalid
// configuration is rejected before anything is torn down. Otherwise every
// writer of the previous configuration is flushed and closed before the new
// writers are opened; if that fails the handler is left unconfigured.
func (s *Service) Configure(cfg config.Handler, catalog schema.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.prepare(cfg.WithDefaults())
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("invalid").Inc()
		s.logger.Error("rejected audit handler configuration", zap.Error(err))
		return err
	}

	if s.current != nil {
		if err := s.current.pool.closeAll(); err != nil {
			s.current = nil
			metrics.ConfigReloads.WithLabelValues("teardown_failed").Inc()
			metrics.TopicsRegistered.Set(0)
			s.logger.Error("unable to close audit logs of previous configuration", zap.Error(err))
			return newError(KindShutdown, "", "unable to close audit logs of previous configuration", err)
		}
	}

	next.registry = buildRegistry(catalog, s.logger)
	topics := next.registry.Topics()
	next.pool = newPool(topics, func(topic string) (Writer, error) {
		return s.open(next, topic)
	}, s.logger)
	s.current = next

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	metrics.TopicsRegistered.Set(float64(len(topics)))
	s.logger.Info("audit handler configured",
		zap.String("logDirectory", next.handler.LogDirectory),
		zap.Strings("topics", topics),
		zap.Bool("secure", next.signing != nil))
	return nil
}

// prepare validates the configuration and resolves everything a state needs
// besides the writers.
func (s *Service) prepare(cfg config.Handler) (*state, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindConfiguration, "", "invalid audit handler configuration", err)
	}
	pref, err := cfg.Formatting.Preference()
	if err != nil {
		return nil, newError(KindConfiguration, "", "invalid formatting", err)
	}
	if err := ensureDirectory(cfg.LogDirectory); err != nil {
		return nil, newError(KindConfiguration, "", "invalid log directory", err)
	}

	st := &state{handler: cfg, preference: pref}
	if cfg.Security.Enabled {
		interval, err := cfg.Security.Interval()
		if err != nil {
			return nil, newError(KindConfiguration, "", "invalid security settings", err)
		}
		keys, err := tamper.OpenKeyStore(cfg.Security.Filename, cfg.Security.Password)
		if err != nil {
			return nil, newError(KindConfiguration, "", "unable to open keystore", err)
		}
		st.signing = &signing{keys: keys, interval: interval}
	}
	if cfg.Buffering.Enabled {
		s.logger.Info("buffering is not supported, every event is flushed when written")
	}
	return st, nil
}

func ensureDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists but is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("unable to create audit directory %s: %w", dir, err)
	}
	return nil
}

// Close flushes and closes every writer. Any failure is returned; the
// handler is unconfigured afterwards either way.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.pool.closeAll()
	s.current = nil
	metrics.TopicsRegistered.Set(0)
	if err != nil {
		s.logger.Error("unable to close audit logs", zap.Error(err))
		return newError(KindShutdown, "", "unable to close audit logs", err)
	}
	s.logger.Info("audit handler closed")
	return nil
}

// acquire takes the shared section and resolves topic. The caller must call
// s.mu.RUnlock when err is nil.
func (s *Service) acquire(ctx context.Context, topic string) (*state, *topicFields, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	if s.current == nil {
		s.mu.RUnlock()
		return nil, nil, newError(KindInternal, topic, "audit handler is not configured", nil)
	}
	tf, ok := s.current.registry.topic(topic)
	if !ok {
		s.mu.RUnlock()
		return nil, nil, newError(KindNotFound, topic, "unknown audit topic", nil)
	}
	return s.current, tf, nil
}

// Publish appends doc to the log of topic. The result reports whether the
// write needed a writer reset; a rejected event is returned as a bad request
// error as well.
func (s *Service) Publish(ctx context.Context, topic string, doc Document) (result PublishResult, err error) {
	ctx, span := startSpan(ctx, "Publish", topic)
	defer func() {
		span.SetAttributes(attribute.String("audit.outcome", result.Outcome.String()))
		endSpan(span, err)
	}()

	st, tf, err := s.acquire(ctx, topic)
	if err != nil {
		return PublishResult{Outcome: Rejected, Reason: err}, err
	}
	defer s.mu.RUnlock()

	if doc.ID() == "" {
		err := newError(KindBadRequest, topic, "event has no "+schema.IDField+" field", nil)
		recordOutcome(topic, Rejected)
		return PublishResult{Outcome: Rejected, Reason: err}, err
	}

	cells, err := tf.project(doc)
	if err == nil {
		var outcome Outcome
		outcome, err = st.pool.writeWithRetry(topic, cells)
		if err == nil {
			recordOutcome(topic, outcome)
			return PublishResult{Outcome: outcome, Resource: newResource(doc)}, nil
		}
	}

	recordOutcome(topic, Rejected)
	s.logger.Warn("audit event rejected",
		zap.String("topic", topic),
		zap.String("id", doc.ID()),
		zap.Error(err))
	return PublishResult{Outcome: Rejected, Resource: newResource(doc), Reason: err}, err
}

// Query returns the events of topic matching pred, in log order.
func (s *Service) Query(ctx context.Context, topic string, pred Predicate) (_ []Resource, err error) {
	ctx, span := startSpan(ctx, "Query", topic)
	defer func() { endSpan(span, err) }()

	st, tf, err := s.acquire(ctx, topic)
	if err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	docs, err := st.scan(tf, pred, s.logger)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(docs))
	for _, doc := range docs {
		out = append(out, newResource(doc))
	}
	return out, nil
}

// Read returns the event of topic with the given identity.
func (s *Service) Read(ctx context.Context, topic, id string) (_ Resource, err error) {
	ctx, span := startSpan(ctx, "Read", topic)
	defer func() { endSpan(span, err) }()

	st, tf, err := s.acquire(ctx, topic)
	if err != nil {
		return Resource{}, err
	}
	defer s.mu.RUnlock()

	doc, err := st.readOne(tf, id, s.logger)
	if err != nil {
		return Resource{}, err
	}
	return newResource(doc), nil
}

// Verify replays the tamper-evident log of topic and checks its chain.
func (s *Service) Verify(ctx context.Context, topic string) (_ tamper.Report, err error) {
	ctx, span := startSpan(ctx, "Verify", topic)
	defer func() { endSpan(span, err) }()

	st, tf, err := s.acquire(ctx, topic)
	if err != nil {
		return tamper.Report{}, err
	}
	defer s.mu.RUnlock()

	if st.signing == nil {
		return tamper.Report{}, newError(KindBadRequest, topic, "security is not enabled", nil)
	}
	f, err := os.Open(logPath(st.handler.LogDirectory, tf.name))
	if os.IsNotExist(err) {
		return tamper.Report{}, newError(KindNotFound, topic, "audit log not found", err)
	}
	if err != nil {
		return tamper.Report{}, newError(KindInternal, topic, "failed to open audit log", err)
	}
	defer func() { _ = f.Close() }()

	report, err := tamper.Verify(f, st.preference, st.signing.keys, tf.name)
	if errors.Is(err, tamper.ErrNotTamperEvident) {
		return report, newError(KindBadRequest, topic, "audit log is not tamper-evident", err)
	}
	if err != nil {
		return report, newError(KindInternal, topic, "failed to verify audit log", err)
	}
	if !report.Valid {
		s.logger.Warn("audit log failed verification",
			zap.String("topic", topic),
			zap.Int("line", report.FailedLine),
			zap.String("reason", report.Reason))
	}
	return report, nil
}

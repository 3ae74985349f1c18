// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/config"
)

const testCatalog = `
topics:
  access:
    schema:
      properties:
        _id:
          type: string
        userId:
          type: string
        request:
          type: object
          properties:
            method:
              type: string
            status:
              type: integer
        tags:
          type: array
        detail:
          type: object
        success:
          type: boolean
  t:
    schema:
      properties:
        _id:
          type: string
        message:
          type: string
  unusable:
    schema:
      type: object
`

func loadTestCatalog(t *testing.T) schema.Catalog {
	t.Helper()
	c, err := schema.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	return c
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return buildRegistry(loadTestCatalog(t), zap.NewNop())
}

func plainHandler(dir string) config.Handler {
	return config.Handler{LogDirectory: dir}.WithDefaults()
}

func secureHandler(dir, interval string) config.Handler {
	h := plainHandler(dir)
	h.Security = config.Security{
		Enabled:           true,
		Filename:          filepath.Join(dir, "keystore"),
		Password:          "changeit",
		SignatureInterval: interval,
	}
	return h
}

func newConfiguredService(t *testing.T, h config.Handler) *Service {
	t.Helper()
	svc := NewService(zap.NewNop())
	require.NoError(t, svc.Configure(h, loadTestCatalog(t)))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// activeWriter returns the writer currently held for topic.
func activeWriter(t *testing.T, svc *Service, topic string) Writer {
	t.Helper()
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	s, ok := svc.current.pool.slot(topic)
	require.True(t, ok)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer
}

// breakWriter closes the file under the active writer of topic so that its
// next write fails.
func breakWriter(t *testing.T, svc *Service, topic string) {
	t.Helper()
	w, ok := activeWriter(t, svc, topic).(*csvWriter)
	require.True(t, ok)
	require.NoError(t, w.file.Close())
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// fakeWriter is an in-memory Writer.
type fakeWriter struct {
	topic    string
	mu       sync.Mutex
	rows     []map[string]string
	writeErr error
	closeErr error
	writes   int
	closed   bool
}

func (w *fakeWriter) WriteRow(cells map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.writeErr != nil {
		return w.writeErr
	}
	w.rows = append(w.rows, cells)
	return nil
}

func (w *fakeWriter) Flush() error { return nil }

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeErr
}

func (w *fakeWriter) Topic() string { return w.topic }

var errDiskGone = errors.New("disk gone")

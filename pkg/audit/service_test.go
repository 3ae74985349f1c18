// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/config"
)

func TestNewService(t *testing.T) {
	svc := NewService(zap.NewNop())
	assert.NotNil(t, svc)
	assert.False(t, svc.IsConfigured())
	assert.Nil(t, svc.Topics())
	assert.NoError(t, svc.Close())
}

func TestService_PublishAndRead(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	res, err := svc.Publish(ctx, "access", Document{"_id": "1", "userId": "alice"})
	require.NoError(t, err)
	assert.Equal(t, Stored, res.Outcome)
	assert.Equal(t, "1", res.Resource.ID)

	got, err := svc.Read(ctx, "access", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)
	assert.Equal(t, "alice", got.Content["userId"])

	_, err = svc.Read(ctx, "access", "2")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestService_QueryAlwaysTrue(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	for i := 1; i <= 3; i++ {
		_, err := svc.Publish(ctx, "t", Document{"_id": fmt.Sprint(i), "message": "hello"})
		require.NoError(t, err)
	}

	all, err := svc.Query(ctx, "t", AlwaysTrue)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := svc.Query(ctx, "t", func(Document) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, none)

	nilPredicate, err := svc.Query(ctx, "t", nil)
	require.NoError(t, err)
	assert.Len(t, nilPredicate, 3)
}

func TestService_QueryMissingLogIsEmpty(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))
	require.NoError(t, os.Remove(filepath.Join(svc.current.handler.LogDirectory, "t.csv")))

	res, err := svc.Query(ctx, "t", AlwaysTrue)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = svc.Read(ctx, "t", "1")
	assert.True(t, IsNotFound(err))
}

func TestService_QueryDeduplicatesIdenticalRows(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	for i := 0; i < 2; i++ {
		_, err := svc.Publish(ctx, "t", Document{"_id": "1", "message": "same"})
		require.NoError(t, err)
	}
	_, err := svc.Publish(ctx, "t", Document{"_id": "1", "message": "different"})
	require.NoError(t, err)

	res, err := svc.Query(ctx, "t", AlwaysTrue)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestService_QueryIgnoresTornTrailingRow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc := newConfiguredService(t, plainHandler(dir))

	_, err := svc.Publish(ctx, "t", Document{"_id": "1", "message": "complete"})
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, "t.csv"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`"2","half a mess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := svc.Query(ctx, "t", AlwaysTrue)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "1", res[0].ID)
}

func TestService_PublishAfterIncompleteTrailingRow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.csv"), []byte("\"_id\",\"message\"\n\"9\",\"ha"), 0o600))
	svc := newConfiguredService(t, plainHandler(dir))

	res, err := svc.Publish(ctx, "t", Document{"_id": "1", "message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, Stored, res.Outcome)

	got, err := svc.Read(ctx, "t", "1")
	require.NoError(t, err)
	assert.Equal(t, Document{"_id": "1", "message": "hello"}, got.Content)

	all, err := svc.Query(ctx, "t", AlwaysTrue)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "1", all[0].ID)
}

func TestService_SecurePublishAfterIncompleteTrailingRow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := secureHandler(dir, "1 minute")
	svc := newConfiguredService(t, h)

	_, err := svc.Publish(ctx, "t", Document{"_id": "1", "message": "first"})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	f, err := os.OpenFile(filepath.Join(dir, "t.csv"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`"2","cut sho`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, svc.Configure(h, loadTestCatalog(t)))
	_, err = svc.Publish(ctx, "t", Document{"_id": "3", "message": "after"})
	require.NoError(t, err)

	report, err := svc.Verify(ctx, "t")
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, int64(2), report.Rows)

	got, err := svc.Read(ctx, "t", "3")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Content["message"])
	_, err = svc.Read(ctx, "t", "2")
	assert.True(t, IsNotFound(err))
}

func TestService_ReadNumericallyTypedID(t *testing.T) {
	ctx := context.Background()
	catalog, err := schema.ParseCatalog([]byte(`
topics:
  n:
    schema:
      properties:
        _id:
          type: integer
        count:
          type: integer
`))
	require.NoError(t, err)
	svc := NewService(zap.NewNop())
	require.NoError(t, svc.Configure(plainHandler(t.TempDir()), catalog))
	t.Cleanup(func() { _ = svc.Close() })

	_, err = svc.Publish(ctx, "n", Document{"_id": "1", "count": 3})
	require.NoError(t, err)

	got, err := svc.Read(ctx, "n", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)
	assert.Equal(t, Document{"_id": "1", "count": float64(3)}, got.Content)
}

func TestService_PublishRoundTripsComposites(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	doc := Document{
		"_id":     "42",
		"userId":  "bob",
		"request": map[string]any{"method": "POST", "status": float64(201)},
		"tags":    []any{"x", float64(1)},
		"detail":  map[string]any{"nested": map[string]any{"ok": true}},
		"success": true,
	}
	_, err := svc.Publish(ctx, "access", doc)
	require.NoError(t, err)

	got, err := svc.Read(ctx, "access", "42")
	require.NoError(t, err)
	assert.Equal(t, doc, got.Content)
}

func TestService_MalformedCompositeReturnedAsText(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	_, err := svc.Publish(ctx, "access", Document{"_id": "1", "detail": "{not json"})
	require.NoError(t, err)

	got, err := svc.Read(ctx, "access", "1")
	require.NoError(t, err)
	assert.Equal(t, "{not json", got.Content["detail"])
}

func TestService_PublishValidation(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	_, err := svc.Publish(ctx, "access", Document{"userId": "alice"})
	assert.True(t, IsBadRequest(err))

	_, err = svc.Publish(ctx, "nosuchtopic", Document{"_id": "1"})
	assert.True(t, IsNotFound(err))

	_, err = svc.Publish(ctx, "unusable", Document{"_id": "1"})
	assert.True(t, IsNotFound(err), "topics with unusable schemas are not registered")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = svc.Publish(cancelled, "access", Document{"_id": "1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_RetryRecoversClosedDestination(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	_, err := svc.Publish(ctx, "access", Document{"_id": "1", "userId": "alice"})
	require.NoError(t, err)
	before := activeWriter(t, svc, "access")

	breakWriter(t, svc, "access")

	res, err := svc.Publish(ctx, "access", Document{"_id": "2", "userId": "bob"})
	require.NoError(t, err)
	assert.Equal(t, RetriedAndStored, res.Outcome)
	assert.NotSame(t, before, activeWriter(t, svc, "access"))

	got, err := svc.Read(ctx, "access", "2")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Content["userId"])

	all, err := svc.Query(ctx, "access", AlwaysTrue)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestService_SecondFailureIsRejected(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	replacement := &fakeWriter{topic: "access", writeErr: errDiskGone}
	var opens int
	svc.open = func(*state, string) (Writer, error) {
		opens++
		return replacement, nil
	}
	breakWriter(t, svc, "access")

	res, err := svc.Publish(ctx, "access", Document{"_id": "1"})
	require.Error(t, err)
	assert.True(t, IsBadRequest(err))
	assert.ErrorIs(t, err, errDiskGone)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, 1, opens, "exactly one reset")
	assert.Equal(t, 1, replacement.writes, "exactly one retry")
}

func TestService_ReopenFailureIsRejected(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	svc.open = func(*state, string) (Writer, error) { return nil, errDiskGone }
	breakWriter(t, svc, "access")

	res, err := svc.Publish(ctx, "access", Document{"_id": "1"})
	assert.True(t, IsBadRequest(err))
	assert.Equal(t, Rejected, res.Outcome)
}

func TestPool_ResetKeepsNewerWriter(t *testing.T) {
	stale := &fakeWriter{topic: "t"}
	fresh := &fakeWriter{topic: "t"}
	opened := 0
	p := &pool{
		slots: map[string]*slot{"t": {writer: fresh}},
		open: func(string) (Writer, error) {
			opened++
			return &fakeWriter{topic: "t"}, nil
		},
		logger: zap.NewNop(),
	}

	s, _ := p.slot("t")
	s.mu.Lock()
	w, err := p.resetLocked("t", s, stale)
	s.mu.Unlock()

	require.NoError(t, err)
	assert.Same(t, fresh, w)
	assert.False(t, fresh.closed)
	assert.Equal(t, 0, opened)
}

func TestPool_ResetWarnsWhenCloseFails(t *testing.T) {
	failed := &fakeWriter{topic: "t", closeErr: errDiskGone}
	replacement := &fakeWriter{topic: "t"}
	core, logs := observer.New(zapcore.WarnLevel)
	p := &pool{
		slots:  map[string]*slot{"t": {writer: failed}},
		open:   func(string) (Writer, error) { return replacement, nil },
		logger: zap.New(core),
	}

	s, _ := p.slot("t")
	s.mu.Lock()
	w, err := p.resetLocked("t", s, failed)
	s.mu.Unlock()

	require.NoError(t, err)
	assert.Same(t, replacement, w)
	assert.True(t, failed.closed)
	entries := logs.FilterMessage("closing failed audit writer reported an error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestPool_CloseAllJoinsFailures(t *testing.T) {
	good := &fakeWriter{topic: "a"}
	bad := &fakeWriter{topic: "b", closeErr: errDiskGone}
	p := &pool{
		slots:  map[string]*slot{"a": {writer: good}, "b": {writer: bad}},
		logger: zap.NewNop(),
	}

	err := p.closeAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskGone)
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestService_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := "t"
			if i%2 == 0 {
				topic = "access"
			}
			_, err := svc.Publish(ctx, topic, Document{"_id": fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	a, err := svc.Query(ctx, "access", nil)
	require.NoError(t, err)
	b, err := svc.Query(ctx, "t", nil)
	require.NoError(t, err)
	assert.Len(t, a, 10)
	assert.Len(t, b, 10)
}

func TestService_ConfigureRejectsInvalidSigningInterval(t *testing.T) {
	for _, interval := range []string{"0", "zero", "unlimited", "infinity"} {
		t.Run(interval, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "logs")
			svc := NewService(zap.NewNop())

			err := svc.Configure(secureHandler(dir, interval), loadTestCatalog(t))
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))
			assert.False(t, svc.IsConfigured())

			_, statErr := os.Stat(dir)
			assert.True(t, os.IsNotExist(statErr), "no writers are created")
		})
	}
}

func TestService_InvalidReconfigureKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc := newConfiguredService(t, plainHandler(dir))

	err := svc.Configure(secureHandler(dir, "unlimited"), loadTestCatalog(t))
	require.Error(t, err)
	assert.True(t, svc.IsConfigured())

	_, err = svc.Publish(ctx, "t", Document{"_id": "1"})
	assert.NoError(t, err)
}

func TestService_ConfigureLogDirectory(t *testing.T) {
	base := t.TempDir()

	created := filepath.Join(base, "nested", "audit")
	svc := newConfiguredService(t, plainHandler(created))
	info, err := os.Stat(created)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.FileExists(t, filepath.Join(created, "access.csv"))
	assert.FileExists(t, filepath.Join(created, "t.csv"))
	assert.NoFileExists(t, filepath.Join(created, "unusable.csv"))
	assert.ElementsMatch(t, []string{"access", "t"}, svc.Topics())

	file := filepath.Join(base, "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	err = NewService(zap.NewNop()).Configure(plainHandler(file), loadTestCatalog(t))
	assert.True(t, IsConfigurationError(err))
}

func TestService_ReconfigureClosesPreviousWriters(t *testing.T) {
	ctx := context.Background()
	first := t.TempDir()
	second := t.TempDir()
	svc := newConfiguredService(t, plainHandler(first))
	old := activeWriter(t, svc, "t")

	require.NoError(t, svc.Configure(plainHandler(second), loadTestCatalog(t)))
	assert.ErrorIs(t, old.WriteRow(map[string]string{"_id": "x"}), ErrWriterClosed)

	_, err := svc.Publish(ctx, "t", Document{"_id": "1"})
	require.NoError(t, err)
	assert.Len(t, readLines(t, filepath.Join(second, "t.csv")), 2)
	assert.Len(t, readLines(t, filepath.Join(first, "t.csv")), 1)
}

func TestService_TeardownFailureAbortsConfigure(t *testing.T) {
	svc := newConfiguredService(t, plainHandler(t.TempDir()))
	svc.current.pool.slots["t"].writer = &fakeWriter{topic: "t", closeErr: errDiskGone}

	err := svc.Configure(plainHandler(t.TempDir()), loadTestCatalog(t))
	require.Error(t, err)
	assert.True(t, IsShutdownError(err))
	assert.False(t, svc.IsConfigured())
}

func TestService_CloseEscalatesFailure(t *testing.T) {
	svc := NewService(zap.NewNop())
	require.NoError(t, svc.Configure(plainHandler(t.TempDir()), loadTestCatalog(t)))
	require.NoError(t, svc.current.pool.closeAll())
	svc.current.pool.slots["t"].writer = &fakeWriter{topic: "t", closeErr: errDiskGone}

	err := svc.Close()
	require.Error(t, err)
	assert.True(t, IsShutdownError(err))
	assert.ErrorIs(t, err, errDiskGone)
	assert.False(t, svc.IsConfigured())

	_, err = svc.Publish(context.Background(), "t", Document{"_id": "1"})
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestService_SecureLogIsSignedAndVerifies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc := newConfiguredService(t, secureHandler(dir, "50ms"))

	_, err := svc.Publish(ctx, "access", Document{"_id": "1", "userId": "alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "access.csv"))
		if err != nil {
			return false
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		return len(lines) >= 3 && !strings.HasSuffix(lines[len(lines)-1], `""`)
	}, 2*time.Second, 20*time.Millisecond, "signature row is injected")

	got, err := svc.Read(ctx, "access", "1")
	require.NoError(t, err)
	assert.Equal(t, Document{"_id": "1", "userId": "alice"}, got.Content, "tamper columns are not returned")

	report, err := svc.Verify(ctx, "access")
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.GreaterOrEqual(t, report.Signatures, int64(1))
}

func TestService_SecureLogSurvivesReconfigure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := secureHandler(dir, "1 minute")
	catalog := loadTestCatalog(t)
	svc := newConfiguredService(t, h)

	_, err := svc.Publish(ctx, "t", Document{"_id": "1"})
	require.NoError(t, err)
	require.NoError(t, svc.Configure(h, catalog))
	_, err = svc.Publish(ctx, "t", Document{"_id": "2"})
	require.NoError(t, err)
	require.NoError(t, svc.Configure(h, catalog))

	report, err := svc.Verify(ctx, "t")
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, int64(2), report.Rows)
	assert.Equal(t, int64(0), report.UnsignedRows)

	res, err := svc.Query(ctx, "t", AlwaysTrue)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestService_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := secureHandler(dir, "1 minute")
	svc := newConfiguredService(t, h)

	_, err := svc.Publish(ctx, "access", Document{"_id": "1", "userId": "alice"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "access", Document{"_id": "2", "userId": "bob"})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	path := filepath.Join(dir, "access.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"bob"`, `"eve"`, 1)), 0o600))

	require.NoError(t, svc.Configure(h, loadTestCatalog(t)))
	report, err := svc.Verify(ctx, "access")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 3, report.FailedLine)
}

func TestService_VerifyRequiresSecurity(t *testing.T) {
	svc := newConfiguredService(t, plainHandler(t.TempDir()))
	_, err := svc.Verify(context.Background(), "access")
	assert.True(t, IsBadRequest(err))
}

func TestService_CustomFormatting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := plainHandler(dir)
	h.Formatting = config.Formatting{QuoteChar: "'", DelimiterChar: ";", EndOfLineSymbols: "CRLF"}
	svc := newConfiguredService(t, h)

	doc := Document{"_id": "1", "message": "it's; a\r\nmulti-line message"}
	_, err := svc.Publish(ctx, "t", doc)
	require.NoError(t, err)

	got, err := svc.Read(ctx, "t", "1")
	require.NoError(t, err)
	assert.Equal(t, doc, got.Content)
}

func TestService_QueryWithCompiledFilter(t *testing.T) {
	ctx := context.Background()
	svc := newConfiguredService(t, plainHandler(t.TempDir()))

	events := []Document{
		{"_id": "1", "userId": "alice", "request": map[string]any{"status": float64(200)}},
		{"_id": "2", "userId": "alice", "request": map[string]any{"status": float64(500)}},
		{"_id": "3", "userId": "bob", "request": map[string]any{"status": float64(503)}},
	}
	for _, e := range events {
		_, err := svc.Publish(ctx, "access", e)
		require.NoError(t, err)
	}

	pred, err := CompileFilter(`event.userId == "alice" && event.request.status >= 400`)
	require.NoError(t, err)
	res, err := svc.Query(ctx, "access", pred)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "2", res[0].ID)
}

func TestService_SchemaChangeKeepsOtherTopics(t *testing.T) {
	dir := t.TempDir()
	svc := newConfiguredService(t, plainHandler(dir))
	require.NoError(t, svc.Close())

	changed, err := schema.ParseCatalog([]byte(`
topics:
  t:
    schema:
      properties:
        _id: {type: string}
        other: {type: string}
  access:
    schema:
      properties:
        _id: {type: string}
        userId: {type: string}
        request:
          type: object
          properties:
            method: {type: string}
            status: {type: integer}
        tags: {type: array}
        detail: {type: object}
        success: {type: boolean}
`))
	require.NoError(t, err)
	require.NoError(t, svc.Configure(plainHandler(dir), changed))

	ctx := context.Background()
	_, err = svc.Publish(ctx, "access", Document{"_id": "1"})
	assert.NoError(t, err)

	// The t log still has the old header, so its writer cannot be opened.
	_, err = svc.Publish(ctx, "t", Document{"_id": "1"})
	assert.True(t, IsBadRequest(err))
}

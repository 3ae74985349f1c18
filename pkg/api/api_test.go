package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/csvaudit/pkg/apiresponses"
	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/config"
	"github.com/telekom/csvaudit/pkg/tamper"
)

const catalogYAML = `
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
            status:
              type: integer
`

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	dir     string
	service *audit.Service
	server  *Server
}

func newFixture(t *testing.T, secure bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	catalog, err := schema.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	handler := config.Handler{LogDirectory: filepath.Join(dir, "logs")}.WithDefaults()
	if secure {
		handler.Security = config.Security{
			Enabled:           true,
			Filename:          filepath.Join(dir, "keystore"),
			Password:          "changeit",
			SignatureInterval: "1 hour",
		}
	}

	svc := audit.NewService(log)
	require.NoError(t, svc.Configure(handler, catalog))
	t.Cleanup(func() { _ = svc.Close() })

	server, err := NewServer(log, config.Server{ListenAddress: ":0", Debug: true}, svc)
	require.NoError(t, err)
	t.Cleanup(server.Close)
	require.NoError(t, server.RegisterAll([]APIController{NewAuditController(log.Sugar(), svc)}))

	return &fixture{dir: dir, service: svc, server: server}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestPublishAndRead(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/audit/access", `{"_id":"1","userId":"alice","request":{"status":200}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var published publishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &published))
	assert.Equal(t, "1", published.ID)
	assert.Equal(t, "stored", published.Outcome)
	assert.Equal(t, "alice", published.Content["userId"])

	w = f.do(t, http.MethodGet, "/audit/access/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"_id":"1","content":{"_id":"1","userId":"alice","request":{"status":200}}}`, w.Body.String())
}

func TestPublishAssignsID(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/audit/access", `{"userId":"bob"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var published publishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &published))
	require.NotEmpty(t, published.ID)

	w = f.do(t, http.MethodGet, "/audit/access/"+published.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPublishErrors(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "unknown topic", path: "/audit/nope", body: `{"_id":"1"}`, status: http.StatusNotFound},
		{name: "not JSON", path: "/audit/access", body: `{`, status: http.StatusBadRequest},
		{name: "not an object", path: "/audit/access", body: `[1,2]`, status: http.StatusBadRequest},
		{name: "null body", path: "/audit/access", body: `null`, status: http.StatusBadRequest},
		{name: "non-string id", path: "/audit/access", body: `{"_id":5}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			var resp apiresponses.APIError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestQuery(t *testing.T) {
	f := newFixture(t, false)
	for _, body := range []string{
		`{"_id":"1","userId":"alice","request":{"status":200}}`,
		`{"_id":"2","userId":"bob","request":{"status":404}}`,
		`{"_id":"3","userId":"alice","request":{"status":500}}`,
	} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/audit/access", body).Code)
	}

	query := func(filter string) QueryResponse {
		t.Helper()
		w := f.do(t, http.MethodGet, "/audit/access?filter="+filter, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp QueryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	all := query("")
	assert.Equal(t, 3, all.ResultCount)
	assert.Equal(t, "1", all.Result[0].ID)

	errs := query("event.request.status%20%3E%3D%20400")
	require.Equal(t, 2, errs.ResultCount)
	assert.Equal(t, "2", errs.Result[0].ID)
	assert.Equal(t, "3", errs.Result[1].ID)

	w := f.do(t, http.MethodGet, "/audit/access?filter=event.userId%20%3D%3D", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryEmptyLog(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/audit/access", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":[],"resultCount":0}`, w.Body.String())
}

func TestReadNotFound(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/audit/access/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/audit/nope/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerify(t *testing.T) {
	t.Run("requires security", func(t *testing.T) {
		f := newFixture(t, false)
		w := f.do(t, http.MethodGet, "/audit/access/_verify", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("valid and tampered logs", func(t *testing.T) {
		f := newFixture(t, true)
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/audit/access", `{"_id":"1","userId":"alice"}`).Code)
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/audit/access", `{"_id":"2","userId":"bob"}`).Code)

		w := f.do(t, http.MethodGet, "/audit/access/_verify", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var report tamper.Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.True(t, report.Valid)
		assert.Equal(t, int64(2), report.Rows)

		path := filepath.Join(f.dir, "logs", "access.csv")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"bob"`, `"eve"`, 1)), 0o600))

		w = f.do(t, http.MethodGet, "/audit/access/_verify", "")
		require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.False(t, report.Valid)
		assert.Equal(t, 3, report.FailedLine)
	})
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","topics":1}`, w.Body.String())

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/audit/access", `{"_id":"1"}`).Code)
	w = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "csvaudit_events_published_total")

	require.NoError(t, f.service.Close())
	w = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServerRateLimiting(t *testing.T) {
	log := zap.NewNop()
	server, err := NewServer(log, config.Server{
		ListenAddress: ":0",
		RateLimit:     config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 2},
	}, audit.NewService(log))
	require.NoError(t, err)
	defer server.Close()
	require.NotNil(t, server.rateLimiter)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/audit/access", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		server.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	// No controller is registered, so allowed requests are not found.
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, "health probes are not rate limited")
	}
}

func TestServerRejectsInvalidTrustedProxies(t *testing.T) {
	_, err := NewServer(zap.NewNop(), config.Server{TrustedProxies: []string{"not-an-ip"}}, nil)
	assert.Error(t, err)
}

func TestServerRunShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	server, err := NewServer(zap.NewNop(), config.Server{ListenAddress: addr}, nil)
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

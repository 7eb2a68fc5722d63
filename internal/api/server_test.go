package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/admission"
	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/queue"
	"github.com/JakeFAU/listing-archiver/internal/session"
)

func TestServer_Archive_Dispatched(t *testing.T) {
	t.Parallel()

	adm := &fakeAdmission{outcome: admission.Outcome{Kind: admission.OutcomeDispatched, Created: true, Batch: 1}}
	server := newTestServer(adm, config.Config{})

	body := `{"listingURL":"https://example.com/l/1","listingUUID":"abc","clientId":"t1"}`
	rec := serve(server, http.MethodPost, "/v1/archive", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var out admission.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, admission.OutcomeDispatched, out.Kind)
	require.True(t, out.Created)
	require.Equal(t, "abc", adm.last().ListingUUID)
}

func TestServer_Archive_Duplicate(t *testing.T) {
	t.Parallel()

	adm := &fakeAdmission{outcome: admission.Outcome{Kind: admission.OutcomeDuplicate}}
	rec := serve(newTestServer(adm, config.Config{}), http.MethodPost, "/v1/archive",
		`{"listingURL":"https://example.com/l/1","listingUUID":"abc","clientId":"t1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate"`)
}

func TestServer_Archive_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body   string
		err    error
		status int
	}{
		"invalid json": {body: "{nope", status: http.StatusBadRequest},
		"invalid req":  {body: `{}`, err: fmt.Errorf("%w: clientId is required", admission.ErrInvalidRequest), status: http.StatusBadRequest},
		"store down":   {body: `{}`, err: errors.New("dial tcp: connection refused"), status: http.StatusServiceUnavailable},
		"deadline":     {body: `{}`, err: context.DeadlineExceeded, status: http.StatusRequestTimeout},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			adm := &fakeAdmission{err: tc.err}
			rec := serve(newTestServer(adm, config.Config{}), http.MethodPost, "/v1/archive", tc.body, nil)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestServer_Reset(t *testing.T) {
	t.Parallel()

	adm := &fakeAdmission{report: admission.ResetReport{Locks: 1, QueueKeys: 2, WorkerCount: 1}}
	rec := serve(newTestServer(adm, config.Config{}), http.MethodPost, "/v1/admin/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"locks":1,"queueKeys":2,"workerCounts":1}`, rec.Body.String())

	adm.err = errors.New("redis down")
	rec = serve(newTestServer(adm, config.Config{}), http.MethodPost, "/v1/admin/reset", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Recent(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAdmission{}, config.Config{})
	rec := serve(server, http.MethodGet, "/v1/recent", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Listings []archiver.RecentListing `json:"listings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Listings, 1)
	require.Equal(t, "pid-1", body.Listings[0].ListingPID)
}

func TestServer_GetArchive(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAdmission{}, config.Config{})

	rec := serve(server, http.MethodGet, "/v1/archives/pid-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"gitUrl":"memory://pages/1"`)
	require.NotContains(t, rec.Body.String(), "<html>")

	rec = serve(server, http.MethodGet, "/v1/archives/pid-1?html=true", "", nil)
	require.Contains(t, rec.Body.String(), "\\u003chtml\\u003e")

	rec = serve(server, http.MethodGet, "/v1/archives/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Tenant(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAdmission{}, config.Config{})
	rec := serve(server, http.MethodGet, "/v1/tenants/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"clientId":"t1","active":1,"limit":2,
		"pending":[{"listingUUID":"u2","listingURL":"https://example.com/l/2"}],
		"sessions":[]
	}`, rec.Body.String())
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAdmission{}, config.Config{})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", "", nil).Code)

	server.deps.Ready = func(context.Context) error { return errors.New("ping refused") }
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", "", nil).Code)

	rec := serve(server, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(&fakeAdmission{}, cfg)

	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/recent", "", nil).Code)
	require.Equal(t, http.StatusOK,
		serve(server, http.MethodGet, "/v1/recent", "", map[string]string{"X-API-Key": "secret"}).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/recent?api_key=secret", "", nil).Code)
	// Health endpoints stay unauthenticated.
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "", nil).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAdmission{}, config.Config{})
	rec := serve(server, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_EventStream(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(zap.NewNop())
	server := newTestServer(&fakeAdmission{}, config.Config{})
	server = NewServer(Deps{
		Admission: server.deps.Admission,
		Archives:  server.deps.Archives,
		Recent:    server.deps.Recent,
		Tenants:   server.deps.Tenants,
		Events:    hub,
	}, config.Config{}, zap.NewNop())

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	_, err = hub.Publish(context.Background(), "archived", map[string]string{"listingPid": "pid-1"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "pid-1")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func serve(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeAdmission struct {
	mu       sync.Mutex
	requests []archiver.CaptureRequest
	outcome  admission.Outcome
	report   admission.ResetReport
	err      error
}

func (f *fakeAdmission) Archive(_ context.Context, req archiver.CaptureRequest) (admission.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.outcome, f.err
}

func (f *fakeAdmission) Reset(context.Context) (admission.ResetReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.err
}

func (f *fakeAdmission) last() archiver.CaptureRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeArchives struct{}

func (fakeArchives) Get(_ context.Context, pid string) (archiver.ArchiveRecord, bool, error) {
	if pid != "pid-1" {
		return archiver.ArchiveRecord{}, false, nil
	}
	return archiver.ArchiveRecord{
		CapturedPayload: archiver.CapturedPayload{ListingPID: "pid-1", HTML: "<html></html>"},
		GitURL:          "memory://pages/1",
	}, true, nil
}

type fakeRecent struct{}

func (fakeRecent) List(context.Context) ([]archiver.RecentListing, error) {
	return []archiver.RecentListing{{ListingPID: "pid-1", CreatedAt: time.Unix(100, 0).UTC()}}, nil
}

type fakeTenants struct{}

func (fakeTenants) Active(context.Context, string) (int, error) { return 1, nil }

func (fakeTenants) Limit(string) int { return 2 }

func (fakeTenants) Pending(context.Context, string) ([]queue.Entry, error) {
	return []queue.Entry{{ListingUUID: "u2", ListingURL: "https://example.com/l/2"}}, nil
}

func (fakeTenants) Sessions(string) []*session.Session { return nil }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(adm Admission, cfg config.Config) *Server {
	return NewServer(Deps{
		Admission: adm,
		Archives:  fakeArchives{},
		Recent:    fakeRecent{},
		Tenants:   fakeTenants{},
	}, cfg, zap.NewNop())
}

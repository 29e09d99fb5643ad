package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/guard"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/trigger"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []trigger.Event
	done   chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev trigger.Event) error {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *recordingDispatcher) await(t *testing.T) trigger.Event {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatal("no event dispatched")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[len(d.events)-1]
}

type fixedCounts map[store.Phase]int

func (f fixedCounts) CountByPhase(_ context.Context) (map[store.Phase]int, error) {
	return f, nil
}

func newTestServer(t *testing.T, cfg config.ServerConfig, workers bool) (*Server, *recordingDispatcher) {
	t.Helper()
	d := newRecordingDispatcher()
	s := NewServer(cfg, d, fixedCounts{store.PhasePlanPosted: 2, store.PhaseTest: 1}, guard.New(3), prometheus.NewRegistry(), logging.NewNop())
	if workers {
		s.wg.Add(1)
		go s.worker()
		t.Cleanup(func() {
			close(s.queue)
			s.wg.Wait()
		})
	}
	return s, d
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

const commentPayload = `{"webhookEvent":"comment_created","issue":{"key":"PROJ-1"}}`

func postTracker(s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", strings.NewReader(body))
	req.Header.Set(echoHeaderContentType, "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestTrackerWebhookDispatchesEvent(t *testing.T) {
	cfg := config.ServerConfig{TrackerWebhookSecret: config.Secret("s3cret")}
	s, d := newTestServer(t, cfg, true)

	rec := postTracker(s, commentPayload, map[string]string{
		signatureHeader: sign(commentPayload, "s3cret"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev := d.await(t)
	assert.Equal(t, trigger.EventCommentCreated, ev.Type)
	assert.Equal(t, "PROJ-1", ev.IssueKey)
}

func TestTrackerWebhookRejectsBadSignature(t *testing.T) {
	cfg := config.ServerConfig{TrackerWebhookSecret: config.Secret("s3cret")}
	s, d := newTestServer(t, cfg, false)

	rec := postTracker(s, commentPayload, map[string]string{
		signatureHeader: sign(commentPayload, "wrong-secret"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postTracker(s, commentPayload, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, d.events)
}

func TestTrackerWebhookUnsetSecretSkipsAuth(t *testing.T) {
	s, d := newTestServer(t, config.ServerConfig{}, true)

	rec := postTracker(s, commentPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PROJ-1", d.await(t).IssueKey)
}

func TestTrackerWebhookIgnoresUnknownEvents(t *testing.T) {
	s, d := newTestServer(t, config.ServerConfig{}, false)

	body := `{"webhookEvent":"jira:version_released","issue":{"key":"PROJ-1"}}`
	rec := postTracker(s, body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
	assert.Empty(t, d.events)
}

func TestTrackerWebhookRejectsMalformedPayload(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{}, false)

	assert.Equal(t, http.StatusBadRequest, postTracker(s, `{not json`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, postTracker(s, `{"webhookEvent":"comment_created"}`, nil).Code)
}

func TestWebhookQueueBackpressure(t *testing.T) {
	cfg := config.ServerConfig{WebhookQueueSize: 1}
	s, _ := newTestServer(t, cfg, false) // no workers: queue never drains

	require.Equal(t, http.StatusOK, postTracker(s, commentPayload, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, postTracker(s, commentPayload, nil).Code)
}

func TestHostingWebhookSignature(t *testing.T) {
	cfg := config.ServerConfig{HostingWebhookSecret: config.Secret("hook-secret")}
	s, _ := newTestServer(t, cfg, false)

	body := `{"action":"completed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hosting", strings.NewReader(body))
	req.Header.Set(echoHeaderContentType, "application/json")
	req.Header.Set("X-GitHub-Event", "workflow_run")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(body, "hook-secret"))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/webhooks/hosting", strings.NewReader(body))
	req.Header.Set(echoHeaderContentType, "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(body, "wrong"))
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusRequiresBearerToken(t *testing.T) {
	cfg := config.ServerConfig{StatusToken: config.Secret("status-token")}
	s, _ := newTestServer(t, cfg, false)

	get := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusForbidden, get("").Code)
	assert.Equal(t, http.StatusForbidden, get("Bearer nope").Code)

	rec := get("Bearer status-token")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Tasks[string(store.PhasePlanPosted)])
	assert.Equal(t, 1, resp.Tasks[string(store.PhaseTest)])
}

func TestStatusForbiddenWhenTokenUnset(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{}, false)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{}, false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.WithinDuration(t, time.Now(), resp.Time, time.Minute)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{}, true)
	require.Equal(t, http.StatusOK, postTracker(s, commentPayload, nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autodev_webhooks_received_total")
	assert.Contains(t, rec.Body.String(), `autodev_tasks{phase="plan-posted"} 2`)
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	good := sign("payload", "secret")

	assert.True(t, verifySignature(body, good, "secret"))
	assert.True(t, verifySignature(body, "sha256="+good, "secret"))
	assert.False(t, verifySignature(body, sign("payload", "other"), "secret"))
	assert.False(t, verifySignature(body, "", "secret"))
}

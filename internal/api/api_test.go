package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/memory"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type envelope struct {
	Status  models.APIStatus `json:"status"`
	Message string           `json:"message"`
	Result  json.RawMessage  `json:"result"`
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	repo := store.NewInMemoryStore()
	mem := memory.New(repo)
	orch, err := flow.NewOrchestrator(flow.Dependencies{
		Memory:  mem,
		Catalog: &catalog.StaticStore{},
		Dedup:   repo,
		Policy:  config.DefaultPolicy(),
	})
	require.NoError(t, err)
	s, err := NewServer(orch, mem, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(nil, memory.New(store.NewInMemoryStore()))
	assert.Error(t, err)
}

func TestTurnEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, env := do(t, s, http.MethodPost, "/turns", `{"user_id":"5215550001234","text":"Hola","message_id":"m1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.APIStatusOK, env.Status)
	var res models.TurnResult
	require.NoError(t, json.Unmarshal(env.Result, &res))
	assert.Equal(t, "5215550001234", res.UserID)
	assert.Equal(t, models.StagePrivacyFlow, res.Stage)
	assert.Contains(t, res.ReplyText, "aviso de privacidad")
	assert.NotEmpty(t, res.TurnID)

	rec, _ = do(t, s, http.MethodPost, "/turns", `{"user_id":"5215550001234","text":"Hola","message_id":"m1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTurnEndpointRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{`{`, `{"user_id":"","text":"hola"}`, `{"user_id":"52155","text":"   "}`, `{"user_id":"a/../b","text":"hola"}`} {
		rec, env := do(t, s, http.MethodPost, "/turns", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, models.APIStatusError, env.Status, body)
	}
}

func TestLeadEndpoints(t *testing.T) {
	s := newTestServer(t)
	const id = "5215550009999"

	rec, _ := do(t, s, http.MethodGet, "/leads/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/turns", `{"user_id":"`+id+`","text":"Hola"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, s, http.MethodGet, "/leads/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lead models.LeadRecord
	require.NoError(t, json.Unmarshal(env.Result, &lead))
	assert.Equal(t, id, lead.UserID)
	assert.Equal(t, 1, lead.InteractionCount)

	rec, env = do(t, s, http.MethodPost, "/leads/"+id+"/convert", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Result, &lead))
	assert.Equal(t, models.StageConverted, lead.Stage)

	rec, env = do(t, s, http.MethodPost, "/leads/"+id+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Result, &lead))
	assert.Equal(t, models.StageFirstContact, lead.Stage)

	rec, _ = do(t, s, http.MethodGet, "/leads/a..b", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, WithHealthCheck("catalog", func(context.Context) error { return nil }))
	rec, _ := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"catalog":"healthy"`)

	sick := newTestServer(t, WithHealthCheck("database", func(context.Context) error { return errors.New("connection refused") }))
	rec, _ = do(t, sick, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	do(t, s, http.MethodGet, "/health", "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.Handler().ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "funnelpipe_http_requests_total")
}

func TestTwilioWebhookMounted(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s := newTestServer(t, WithTwilioWebhook(http.HandlerFunc(svc.WebhookHandler)))

	form := url.Values{"From": {"whatsapp:+5215550001234"}, "Body": {"Hola"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SM1", (<-svc.Responses()).MessageID)

	plain := newTestServer(t)
	rec, _ = do(t, plain, http.MethodPost, "/webhooks/twilio", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

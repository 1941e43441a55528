package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitwatch/internal/command"
	logx "limitwatch/pkg/logx"
)

type stubRunner struct {
	mu    sync.Mutex
	calls []struct {
		cmd   command.Command
		force bool
	}
	result command.Result
}

func (s *stubRunner) Run(ctx context.Context, cmd command.Command, force bool) command.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, struct {
		cmd   command.Command
		force bool
	}{cmd, force})
	r := s.result
	r.Command = cmd
	return r
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestServer(runner command.Runner) http.Handler {
	callback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	cfg := Config{APIKey: "api-secret", SimpleKey: "sk"}
	return New(cfg, callback, runner, logx.Nop()).Handler()
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(&stubRunner{})
	rec := do(h, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestTriggerRequiresSimpleKey(t *testing.T) {
	runner := &stubRunner{}
	h := newTestServer(runner)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/trigger/check_accounts", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/trigger/check_accounts?k=wrong", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Zero(t, runner.callCount())
}

func TestTriggerRunsCommand(t *testing.T) {
	runner := &stubRunner{result: command.Result{Success: true, Notified: true, Detail: "accounts=3"}}
	h := newTestServer(runner)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/trigger/notify_accounts?k=sk&f=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Notified)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, command.NotifyAccounts, runner.calls[0].cmd)
	assert.True(t, runner.calls[0].force)
}

func TestTriggerUnknownCommand(t *testing.T) {
	runner := &stubRunner{}
	h := newTestServer(runner)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/trigger/reboot?k=sk", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, runner.callCount())
}

func TestCommandRequiresBearer(t *testing.T) {
	runner := &stubRunner{}
	h := newTestServer(runner)

	body := bytes.NewBufferString(`{"command":"check_accounts"}`)
	rec := do(h, httptest.NewRequest(http.MethodPost, "/command", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/command", bytes.NewBufferString(`{"command":"check_accounts"}`))
	req.Header.Set("Authorization", "Bearer nope")
	rec = do(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Zero(t, runner.callCount())
}

func TestCommandRuns(t *testing.T) {
	runner := &stubRunner{result: command.Result{Success: true}}
	h := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/command", bytes.NewBufferString(`{"command":"monitor_api_usage","force":true}`))
	req.Header.Set("Authorization", "Bearer api-secret")
	rec := do(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, command.CheckAPIUsage, runner.calls[0].cmd)
	assert.True(t, runner.calls[0].force)
}

func TestCommandFailureMapsToBadGateway(t *testing.T) {
	runner := &stubRunner{result: command.Result{Success: false, Detail: "upstream down"}}
	h := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/command", bytes.NewBufferString(`{"command":"check_accounts"}`))
	req.Header.Set("Authorization", "Bearer api-secret")
	rec := do(h, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "upstream down", resp.Message)
}

func TestCommandBadBody(t *testing.T) {
	h := newTestServer(&stubRunner{})
	req := httptest.NewRequest(http.MethodPost, "/command", bytes.NewBufferString(`{`))
	req.Header.Set("Authorization", "Bearer api-secret")
	rec := do(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRouted(t *testing.T) {
	called := false
	callback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h := New(Config{}, callback, &stubRunner{}, logx.Nop()).Handler()

	rec := do(h, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

package dispatch

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
	"limitwatch/internal/feishu"
	"limitwatch/internal/taskengine"
	logx "limitwatch/pkg/logx"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []command.Command
}

func (r *recordingRunner) Run(ctx context.Context, cmd command.Command, force bool) command.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	return command.Result{Command: cmd, Success: true}
}

func (r *recordingRunner) commands() []command.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Command(nil), r.calls...)
}

// inlineEngine runs enqueued tasks synchronously and remembers what the
// response body contained at enqueue time, so tests can prove the ack was
// written before dispatch.
type inlineEngine struct {
	rec        *httptest.ResponseRecorder
	bodyAtCall []string
	tasks      int
}

func (e *inlineEngine) Enqueue(t taskengine.Task) error {
	e.tasks++
	if e.rec != nil {
		e.bodyAtCall = append(e.bodyAtCall, e.rec.Body.String())
	}
	return t.Run(context.Background())
}

func newDispatcher(eng Engine, runner command.Runner) *Dispatcher {
	cfg := feishu.VerifyConfig{VerificationToken: "your_token", EncryptKey: "test_key"}
	return New(cfg, runner, eng, logx.Nop())
}

func post(t *testing.T, d *Dispatcher, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	d.ServeHTTP(rec, req)
	return rec
}

func TestPlainVerification(t *testing.T) {
	d := newDispatcher(&inlineEngine{}, &recordingRunner{})
	rec := post(t, d, `{"challenge":"test123","type":"url_verification","token":"your_token"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "test123", reply["challenge"])
}

func TestVerificationTokenMismatch(t *testing.T) {
	d := newDispatcher(&inlineEngine{}, &recordingRunner{})
	rec := post(t, d, `{"challenge":"test123","token":"wrong"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVerificationMissingTokenRejected(t *testing.T) {
	d := newDispatcher(&inlineEngine{}, &recordingRunner{})
	rec := post(t, d, `{"challenge":"test123"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEncryptedVerification(t *testing.T) {
	inner := `{"challenge":"abc123","token":"your_token"}`
	iv := bytes.Repeat([]byte{0x24}, 16)
	ct, err := feishu.Encrypt([]byte(inner), "test_key", iv)
	require.NoError(t, err)

	d := newDispatcher(&inlineEngine{}, &recordingRunner{})
	body, _ := json.Marshal(map[string]string{"encrypt": ct})
	rec := post(t, d, string(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "abc123", reply["challenge"])
}

func TestInteractiveDispatchesAfterAck(t *testing.T) {
	runner := &recordingRunner{}
	rec := httptest.NewRecorder()
	eng := &inlineEngine{rec: rec}
	d := newDispatcher(eng, runner)

	body := `{"header":{"event_type":"card.action.trigger"},"event":{"action":{"value":{"command":"monitor_accounts"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":0,"msg":"ok","data":{}}`, rec.Body.String())

	// alias mapped, exactly one invocation
	require.Equal(t, []command.Command{command.CheckAccounts}, runner.commands())

	// the ack body was already written when the task was enqueued
	require.Len(t, eng.bodyAtCall, 1)
	assert.JSONEq(t, `{"code":0,"msg":"ok","data":{}}`, eng.bodyAtCall[0])
}

func TestInteractiveTopLevelAction(t *testing.T) {
	runner := &recordingRunner{}
	eng := &inlineEngine{}
	d := newDispatcher(eng, runner)

	rec := post(t, d, `{"action":{"value":{"command":"full_monitor"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []command.Command{command.FullMonitor}, runner.commands())
}

func TestUnknownCommandFailsOpen(t *testing.T) {
	runner := &recordingRunner{}
	eng := &inlineEngine{}
	d := newDispatcher(eng, runner)

	rec := post(t, d, `{"event":{"action":{"value":{"command":"bogus"}}}}`)

	// the platform still sees a healthy ack
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":0,"msg":"ok","data":{}}`, rec.Body.String())

	// but nothing was dispatched
	assert.Zero(t, eng.tasks)
	assert.Empty(t, runner.commands())
}

func TestMessageEventAcked(t *testing.T) {
	d := newDispatcher(&inlineEngine{}, &recordingRunner{})
	rec := post(t, d, `{"header":{"event_type":"im.message.receive_v1"},"event":{}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":0}`, rec.Body.String())
}

func TestEmptyObjectRejected(t *testing.T) {
	runner := &recordingRunner{}
	eng := &inlineEngine{}
	d := newDispatcher(eng, runner)

	rec := post(t, d, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, eng.tasks)
	assert.Empty(t, runner.commands())
}

func TestGarbageRejected(t *testing.T) {
	d := newDispatcher(&inlineEngine{}, &recordingRunner{})
	rec := post(t, d, `not json at all`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		body string
		kind Kind
		cmd  string
	}{
		{"plain challenge", `{"challenge":"x","token":"t"}`, KindVerification, ""},
		{"encrypted", `{"encrypt":"zzz"}`, KindVerification, ""},
		{"interactive v2", `{"header":{"event_type":"card.action.trigger"},"event":{"action":{"value":{"command":"check_accounts"}}}}`, KindInteractive, "check_accounts"},
		{"interactive v1", `{"action":{"value":{"command":"check_api_usage"}}}`, KindInteractive, "check_api_usage"},
		{"message", `{"header":{"event_type":"im.message.receive_v1"}}`, KindMessage, ""},
		{"empty", `{}`, KindUnknown, ""},
		{"garbage", `]`, KindUnknown, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := Classify([]byte(tc.body))
			assert.Equal(t, tc.kind, ev.Kind)
			assert.Equal(t, tc.cmd, ev.RawCommand)
		})
	}
}

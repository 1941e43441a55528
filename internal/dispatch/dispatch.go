// Package dispatch routes inbound callback payloads: verification
// handshakes are answered inline, card-button events are acknowledged
// immediately and executed detached.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"limitwatch/internal/command"
	"limitwatch/internal/feishu"
	"limitwatch/internal/taskengine"
	logx "limitwatch/pkg/logx"
)

// Kind classifies one inbound payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindVerification
	KindInteractive
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindVerification:
		return "verification"
	case KindInteractive:
		return "interactive"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is the classified form of an inbound payload.
type Event struct {
	Kind      Kind
	EventType string
	// RawCommand is the untranslated action.value.command (interactive only).
	RawCommand string
}

// callbackPayload covers both envelope generations the platform sends:
// the v2 schema nests action under event with an event_type header, the
// v1 schema puts action at the top level.
type callbackPayload struct {
	Type   string `json:"type,omitempty"`
	Header struct {
		EventType string `json:"event_type,omitempty"`
	} `json:"header,omitempty"`
	Event struct {
		Action *actionPayload `json:"action,omitempty"`
	} `json:"event,omitempty"`
	Action *actionPayload `json:"action,omitempty"`
}

type actionPayload struct {
	Value struct {
		Command string `json:"command,omitempty"`
	} `json:"value,omitempty"`
}

// Classify decides once, at parse time, which path a payload takes.
// Verification envelopes are detected first (challenge or encrypt field);
// anything else is inspected for an interactive action, then an event type.
func Classify(body []byte) Event {
	if feishu.IsVerification(body) {
		return Event{Kind: KindVerification}
	}

	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{Kind: KindUnknown}
	}

	eventType := p.Header.EventType
	if eventType == "" {
		eventType = p.Type
	}

	action := p.Event.Action
	if action == nil {
		action = p.Action
	}
	if action != nil {
		return Event{Kind: KindInteractive, EventType: eventType, RawCommand: action.Value.Command}
	}

	if eventType != "" {
		return Event{Kind: KindMessage, EventType: eventType}
	}
	return Event{Kind: KindUnknown}
}

// Engine is the detached-execution handoff.
type Engine interface {
	Enqueue(t taskengine.Task) error
}

// Dispatcher is the HTTP handler for the callback endpoint.
type Dispatcher struct {
	mu     sync.RWMutex
	verify feishu.VerifyConfig

	runner command.Runner
	engine Engine
	log    logx.Logger

	maxBody int64
}

func New(verify feishu.VerifyConfig, runner command.Runner, engine Engine, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		verify:  verify,
		runner:  runner,
		engine:  engine,
		log:     log.With(logx.String("svc", "dispatch")),
		maxBody: 1 << 20,
	}
}

// SetVerifyConfig swaps callback credentials on config reload.
func (d *Dispatcher) SetVerifyConfig(cfg feishu.VerifyConfig) {
	d.mu.Lock()
	d.verify = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) verifyConfig() feishu.VerifyConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.verify
}

var ackBody = []byte(`{"code":0,"msg":"ok","data":{}}`)

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, d.maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "msg": "read failed"})
		return
	}

	ev := Classify(body)
	switch ev.Kind {
	case KindVerification:
		d.handleVerification(w, body)
	case KindInteractive:
		d.handleInteractive(w, ev)
	case KindMessage:
		// message events are acknowledged and otherwise ignored
		d.log.Debug("message event ignored", logx.String("event_type", ev.EventType))
		writeJSON(w, http.StatusOK, map[string]any{"code": 0})
	default:
		d.log.Warn("unclassifiable callback payload", logx.Int("body_len", len(body)))
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "msg": "malformed request"})
	}
}

// handleVerification answers the challenge handshake inline. The path does
// no I/O so the platform's reply deadline is met by construction.
func (d *Dispatcher) handleVerification(w http.ResponseWriter, body []byte) {
	challenge, err := feishu.Verify(body, d.verifyConfig())
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, feishu.ErrTokenMismatch) {
			status = http.StatusForbidden
		}
		d.log.Warn("verification rejected", logx.Int("status", status), logx.Err(err))
		writeJSON(w, status, map[string]any{"code": status, "msg": err.Error()})
		return
	}
	d.log.Info("verification challenge answered")
	writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
}

// handleInteractive acks first, dispatches second. The ack must reach the
// platform before the command runs: the platform enforces a short response
// deadline and marks the integration unhealthy on timeout. Unknown commands
// still get the ack (fail-open at the protocol boundary) and only a warning
// internally, so a stale card button can never disable the integration.
func (d *Dispatcher) handleInteractive(w http.ResponseWriter, ev Event) {
	cmd, parseErr := command.Parse(ev.RawCommand)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ackBody)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if parseErr != nil {
		d.log.Warn("unknown card command; acked without dispatch",
			logx.String("command", ev.RawCommand),
			logx.Err(parseErr),
		)
		return
	}

	runner := d.runner
	task := taskengine.Task{
		Name: "card:" + string(cmd),
		Run: func(ctx context.Context) error {
			res := runner.Run(ctx, cmd, false)
			if !res.Success {
				return fmt.Errorf("%s: %s", res.Command, res.Detail)
			}
			return nil
		},
	}
	if err := d.engine.Enqueue(task); err != nil {
		// response already sent; nothing to surface to the caller
		d.log.Warn("card command dropped", logx.String("command", string(cmd)), logx.Err(err))
		return
	}
	d.log.Info("card command dispatched", logx.String("command", string(cmd)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/storekit/automation/internal/dotpath"
)

// Publisher is the event bus capability the built-in handlers need.
type Publisher interface {
	Publish(topic string, payload map[string]any)
}

// RecordStore is the injected persistence collaborator behind
// create_record and update_record.
type RecordStore interface {
	CreateRecord(ctx context.Context, collection string, data map[string]any) (string, error)
	UpdateRecord(ctx context.Context, collection, id string, data map[string]any) error
}

// BuiltinConfig wires the collaborators the built-in handlers depend on.
type BuiltinConfig struct {
	Publisher Publisher
	Records   RecordStore
	Client    *http.Client
	Retry     RetryPolicy
}

// Built-in action type names.
const (
	TypeEmitEvent        = "emit_event"
	TypeLog              = "log"
	TypeHTTPRequest      = "http_request"
	TypeWebhook          = "webhook"
	TypeSendEmail        = "send_email"
	TypeSendNotification = "send_notification"
	TypeSendSMS          = "send_sms"
	TypeCreateRecord     = "create_record"
	TypeUpdateRecord     = "update_record"
	TypeSetMetadata      = "set_metadata"
	TypeDelay            = "delay"
)

// RegisterBuiltins installs the standard handler set on d. Handlers
// registered later under the same names override these.
func RegisterBuiltins(d *Dispatcher, cfg BuiltinConfig) {
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(HTTPClientConfig{})
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	d.Register(TypeEmitEvent, emitEventHandler(cfg.Publisher))
	d.Register(TypeLog, logHandler)
	d.Register(TypeHTTPRequest, httpRequestHandler(cfg.Client, cfg.Retry))
	d.Register(TypeWebhook, webhookHandler(cfg.Client, cfg.Retry))
	d.Register(TypeSendEmail, sendHandler(cfg.Publisher, "automation.send_email"))
	d.Register(TypeSendNotification, sendHandler(cfg.Publisher, "automation.send_notification"))
	d.Register(TypeSendSMS, sendHandler(cfg.Publisher, "automation.send_sms"))
	d.Register(TypeCreateRecord, createRecordHandler(cfg.Records))
	d.Register(TypeUpdateRecord, updateRecordHandler(cfg.Records))
	d.Register(TypeSetMetadata, setMetadataHandler)
	d.Register(TypeDelay, delayHandler)
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// emit_event publishes params["data"] (default: the triggering
// payload) under the topic in params["event"].
func emitEventHandler(pub Publisher) Handler {
	return func(_ context.Context, inv Invocation) (any, error) {
		if pub == nil {
			return nil, fmt.Errorf("no event publisher configured")
		}
		topic := stringParam(inv.Params, "event")
		if topic == "" {
			return nil, fmt.Errorf("emit_event requires an %q param", "event")
		}
		data, _ := inv.Params["data"].(map[string]any)
		if data == nil {
			data = inv.Payload
		}
		pub.Publish(topic, copyMap(data))
		return map[string]any{"event": topic}, nil
	}
}

// log writes a structured log line at the level in params["level"].
func logHandler(_ context.Context, inv Invocation) (any, error) {
	message := stringParam(inv.Params, "message")
	level := slog.LevelInfo
	switch strings.ToLower(stringParam(inv.Params, "level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.Default().Log(context.Background(), level, message,
		"rule_id", inv.Exec.RuleID, "event", inv.Exec.Event)
	return nil, nil
}

// http_request performs an outbound call with configurable method,
// url, headers, body, timeout and retries.
func httpRequestHandler(client *http.Client, policy RetryPolicy) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		url := stringParam(inv.Params, "url")
		if url == "" {
			return nil, fmt.Errorf("http_request requires a %q param", "url")
		}
		method := strings.ToUpper(stringParam(inv.Params, "method"))
		if method == "" {
			method = http.MethodGet
		}

		headers := map[string]string{}
		if h, ok := inv.Params["headers"].(map[string]any); ok {
			for k, v := range h {
				headers[k] = dotpath.Format(v)
			}
		}

		body := ""
		switch b := inv.Params["body"].(type) {
		case nil:
		case string:
			body = b
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = string(encoded)
			if _, ok := headers["Content-Type"]; !ok {
				headers["Content-Type"] = "application/json"
			}
		}

		if n, ok := numberParam(inv.Params, "retries"); ok {
			policy.MaxRetries = int(n)
		}
		if n, ok := numberParam(inv.Params, "timeout"); ok && n > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(n*float64(time.Second)))
			defer cancel()
		}

		return doWithRetry(ctx, client, policy, method, url, headers, body)
	}
}

// webhook POSTs params["payload"] (default: the triggering payload) as
// JSON to params["url"], with the http_request retry posture.
func webhookHandler(client *http.Client, policy RetryPolicy) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		url := stringParam(inv.Params, "url")
		if url == "" {
			return nil, fmt.Errorf("webhook requires a %q param", "url")
		}
		data, _ := inv.Params["payload"].(map[string]any)
		if data == nil {
			data = inv.Payload
		}
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode webhook payload: %w", err)
		}
		if n, ok := numberParam(inv.Params, "retries"); ok {
			policy.MaxRetries = int(n)
		}
		headers := map[string]string{"Content-Type": "application/json"}
		return doWithRetry(ctx, client, policy, http.MethodPost, url, headers, string(body))
	}
}

// sendHandler translates delivery actions into bus emissions; the
// external delivery collaborators (mailer, push gateway, SMS
// provider) consume them. This core never sends mail itself.
func sendHandler(pub Publisher, topic string) Handler {
	return func(_ context.Context, inv Invocation) (any, error) {
		if pub == nil {
			return nil, fmt.Errorf("no event publisher configured")
		}
		out := copyMap(inv.Params)
		out["rule_id"] = inv.Exec.RuleID
		out["trigger_event"] = inv.Exec.Event
		pub.Publish(topic, out)
		return map[string]any{"event": topic}, nil
	}
}

func createRecordHandler(records RecordStore) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		if records == nil {
			return nil, fmt.Errorf("no record store configured")
		}
		collection := stringParam(inv.Params, "collection")
		if collection == "" {
			return nil, fmt.Errorf("create_record requires a %q param", "collection")
		}
		data, _ := inv.Params["data"].(map[string]any)
		if data == nil {
			data = inv.Payload
		}
		id, err := records.CreateRecord(ctx, collection, copyMap(data))
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	}
}

func updateRecordHandler(records RecordStore) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		if records == nil {
			return nil, fmt.Errorf("no record store configured")
		}
		collection := stringParam(inv.Params, "collection")
		id := stringParam(inv.Params, "id")
		if collection == "" || id == "" {
			return nil, fmt.Errorf("update_record requires %q and %q params", "collection", "id")
		}
		data, _ := inv.Params["data"].(map[string]any)
		if data == nil {
			data = inv.Payload
		}
		if err := records.UpdateRecord(ctx, collection, id, copyMap(data)); err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	}
}

// set_metadata writes into the execution context, visible to later
// actions in the same run.
func setMetadataHandler(_ context.Context, inv Invocation) (any, error) {
	key := stringParam(inv.Params, "key")
	if key == "" {
		return nil, fmt.Errorf("set_metadata requires a %q param", "key")
	}
	inv.Exec.Metadata[key] = inv.Params["value"]
	return nil, nil
}

// delay suspends this execution chain for the given duration
// ("1500ms", "5s", or a bare number of milliseconds). Only the
// current rule's action list waits; concurrent executions proceed.
func delayHandler(ctx context.Context, inv Invocation) (any, error) {
	var d time.Duration
	switch v := inv.Params["duration"].(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse delay duration: %w", err)
		}
		d = parsed
	default:
		if n, ok := numberParam(inv.Params, "duration"); ok {
			d = time.Duration(n * float64(time.Millisecond))
		}
	}
	if d <= 0 {
		return nil, fmt.Errorf("delay requires a positive %q param", "duration")
	}
	select {
	case <-time.After(d):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

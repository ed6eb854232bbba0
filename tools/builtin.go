package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vinayprograms/agentloop/model"
)

// Built-in capability names.
const (
	EmitName     = "emit"
	RememberName = "remember"
	WebhookName  = "webhook"
)

// ContentWriter stores agent content. Implemented by memory.ContentIndex.
type ContentWriter interface {
	Index(ctx context.Context, agentID, content, source string) (string, error)
}

// Builtins holds the dependencies of the built-in tools.
type Builtins struct {
	// Content backs the remember tool. Nil leaves remember unregistered.
	Content ContentWriter
	// HTTPClient is used by the webhook tool. Nil uses a default client.
	HTTPClient *http.Client
}

// RegisterBuiltins registers the built-in tools into r.
func RegisterBuiltins(r *Registry, b Builtins) error {
	client := b.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	tools := []Tool{&emitTool{}, &webhookTool{client: client}}
	if b.Content != nil {
		tools = append(tools, &rememberTool{content: b.Content})
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- emit ---

// emitTool relays the triggering event as a new event of config.emit_type.
type emitTool struct{}

func (t *emitTool) Name() string { return EmitName }

func (t *emitTool) Run(ctx context.Context, req *Request) (*Response, error) {
	emitType, err := req.ToolConfig.String("emit_type")
	if err != nil {
		return nil, err
	}
	if model.EventType(emitType) == req.Event.EventType {
		return nil, fmt.Errorf("emit_type %s would re-trigger itself", emitType)
	}

	payload := make(map[string]interface{}, len(req.Event.Payload.Data)+2)
	for k, v := range req.Event.Payload.Data {
		payload[k] = v
	}
	payload["source_event_id"] = req.Event.ID
	payload["source_event_type"] = string(req.Event.EventType)

	ev := NewEvent{
		EventType: model.EventType(emitType),
		Payload:   payload,
		Priority:  req.ToolConfig.IntOr("priority", 0),
		AgentID:   req.ToolConfig.StringOr("target_agent", ""),
	}
	return OK(map[string]interface{}{"emitted": emitType}, ev), nil
}

// --- remember ---

// rememberTool indexes the event's text into the agent's content index.
type rememberTool struct {
	content ContentWriter
}

func (t *rememberTool) Name() string { return RememberName }

func (t *rememberTool) Run(ctx context.Context, req *Request) (*Response, error) {
	text := eventText(req.Event)
	if text == "" {
		return Fail("event %s has no text to remember", req.Event.ID), nil
	}
	id, err := t.content.Index(ctx, req.AgentContext.AgentID, text, "event:"+req.Event.ID)
	if err != nil {
		return nil, err
	}
	return OK(map[string]interface{}{"document_id": id}), nil
}

// eventText picks the first textual field of the payload.
func eventText(ev *model.Event) string {
	for _, key := range []string{"text", "content", "summary", "title"} {
		if s := strings.TrimSpace(ev.Payload.String(key)); s != "" {
			return s
		}
	}
	return ""
}

// --- webhook ---

const defaultWebhookTimeout = 10 * time.Second

// webhookTool POSTs the request bundle as JSON to config.url.
type webhookTool struct {
	client *http.Client
}

func (t *webhookTool) Name() string { return WebhookName }

type webhookBody struct {
	Event *model.Event `json:"event"`
	Agent AgentContext `json:"agent"`
}

func (t *webhookTool) Run(ctx context.Context, req *Request) (*Response, error) {
	url, err := req.ToolConfig.String("url")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, req.ToolConfig.DurationOr("timeout", defaultWebhookTimeout))
	defer cancel()

	body, err := json.Marshal(webhookBody{Event: req.Event, Agent: req.AgentContext})
	if err != nil {
		return nil, fmt.Errorf("encoding webhook body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "agentloop/1.0")
	for k, v := range req.ToolConfig.StringMap("headers") {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	out := map[string]interface{}{"status": resp.StatusCode}
	if len(snippet) > 0 {
		out["body"] = string(snippet)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Response{Success: false, Output: out, Error: fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode)}, nil
	}
	return OK(out), nil
}

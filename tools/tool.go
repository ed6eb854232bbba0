// Package tools defines the capability contract that tools implement and the
// registry the orchestrator resolves them from.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vinayprograms/agentloop/model"
)

// Tool is a runtime capability invoked for a matching event.
type Tool interface {
	// Name returns the registry key.
	Name() string
	// Run handles one event. A returned error or Response.Success == false
	// marks the action FAILED.
	Run(ctx context.Context, req *Request) (*Response, error)
}

// AgentContext is the snapshot of the agent handed to a tool.
type AgentContext struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name"`
	Handle        string   `json:"handle,omitempty"`
	Personality   string   `json:"personality,omitempty"`
	Expertise     []string `json:"expertise,omitempty"`
	RecentContent []string `json:"recent_content,omitempty"`
}

// Request is the bundle passed to Run.
type Request struct {
	Event        *model.Event `json:"event"`
	AgentContext AgentContext `json:"agent_context"`
	ToolConfig   Config       `json:"tool_config,omitempty"`
}

// NewEvent is an event a tool asks the engine to append.
// Zero Priority means the default; empty AgentID means the current agent.
type NewEvent struct {
	EventType model.EventType        `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  int                    `json:"priority,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
}

// Response is what a tool returns.
type Response struct {
	Success    bool                   `json:"success"`
	Output     map[string]interface{} `json:"output,omitempty"`
	NewEvents  []NewEvent             `json:"new_events,omitempty"`
	Error      string                 `json:"error,omitempty"`
	UsageStats map[string]interface{} `json:"usage_stats,omitempty"`
}

// OK builds a successful response.
func OK(output map[string]interface{}, events ...NewEvent) *Response {
	return &Response{Success: true, Output: output, NewEvents: events}
}

// Fail builds an unsuccessful response.
func Fail(format string, args ...interface{}) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Func adapts a function to the Tool interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

type funcTool struct {
	name string
	fn   Func
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Run(ctx context.Context, req *Request) (*Response, error) {
	return t.fn(ctx, req)
}

// Registry maps capability names to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// RegisterFunc registers fn under name.
func (r *Registry) RegisterFunc(name string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("tool %q has no function", name)
	}
	return r.Register(&funcTool{name: name, fn: fn})
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

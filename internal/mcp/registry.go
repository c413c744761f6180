package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrUnknownTool is returned (wrapped) when tools/call names an unregistered
// tool; the transport layer maps it to an invalid-params RPC error.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Registry holds tool definitions and dispatches tool calls.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*toolEntry
	ordering []string // registration order, for stable tools/list
}

type toolEntry struct {
	def     ToolDefinition
	handler Handler
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*toolEntry)}
}

// Register adds a tool definition and handler.
func (r *Registry) Register(def ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	r.tools[def.Name] = &toolEntry{def: def, handler: handler}
	r.ordering = append(r.ordering, def.Name)
	return nil
}

// MustRegister registers a tool or panics (for wiring-time registration).
func (r *Registry) MustRegister(def ToolDefinition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// List returns descriptors for all registered tools in registration order.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.ordering))
	for _, name := range r.ordering {
		entry := r.tools[name]
		descriptors = append(descriptors, ToolDescriptor{
			Name:        entry.def.Name,
			Description: entry.def.Description,
			InputSchema: entry.def.InputSchema,
		})
	}
	return descriptors
}

// Call executes a tool. Domain failures come back as isError content blocks
// so agents can read them; only an unknown tool name is an error to the
// transport.
func (r *Registry) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	r.mu.RLock()
	entry, exists := r.tools[req.Name]
	r.mu.RUnlock()

	if !exists {
		return CallResult{}, &ErrUnknownTool{Name: req.Name}
	}

	result, err := entry.handler(ctx, req.Arguments)
	if err != nil {
		ge := FromError(err)
		log.Debug().
			Str("tool", req.Name).
			Str("kind", string(ge.Code)).
			Msg("tool call failed")
		return errorResult(ge), nil
	}

	switch v := result.(type) {
	case json.RawMessage:
		return textResult(string(v)), nil
	case string:
		return textResult(v), nil
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return errorResult(NewGatewayError(KindInternal, "failed to serialize tool result")), nil
		}
		return textResult(string(payload)), nil
	}
}

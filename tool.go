package engram

import (
	"context"
	"encoding/json"
)

// Tool defines an assistant capability with one or more callable functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolDefinition describes one callable function for the planner.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	// Dependencies are tool names whose results this tool consumes. The
	// dispatcher will not run this tool before they complete.
	Dependencies []string `json:"dependencies,omitempty"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
	// Artifacts are binary outputs delivered out-of-band; the conversation
	// sees each artifact's Note instead.
	Artifacts []Artifact `json:"-"`
}

// Artifact is a binary tool output.
type Artifact struct {
	Filename string
	MimeType string
	Data     []byte
	Note     string
}

// RequestScope identifies whose conversation a tool call belongs to. The
// dispatcher attaches it to the context so tools can scope lookups without
// trusting planner-filled arguments.
type RequestScope struct {
	UserID    string
	ChannelID string
	GuildID   string
}

type requestScopeCtxKey struct{}

// WithRequestScope returns a child context carrying the scope.
func WithRequestScope(ctx context.Context, s RequestScope) context.Context {
	return context.WithValue(ctx, requestScopeCtxKey{}, s)
}

// RequestScopeFrom retrieves the scope from ctx. Returns a zero scope and
// false when none is set.
func RequestScopeFrom(ctx context.Context) (RequestScope, bool) {
	s, ok := ctx.Value(requestScopeCtxKey{}).(RequestScope)
	return s, ok
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Definition looks up one tool definition by name.
func (r *ToolRegistry) Definition(name string) (ToolDefinition, bool) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return d, true
			}
		}
	}
	return ToolDefinition{}, false
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// Package remember implements the remember dispatcher tool. It appends a
// note to the requesting user's procedural memory, the standing instructions
// prepended to every conversation with that user.
package remember

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	engram "github.com/sorane/engram"
)

// maxProceduralLen bounds the stored text. Oldest notes fall off first.
const maxProceduralLen = 2000

// Tool persists user preferences.
type Tool struct {
	store engram.Storage
}

// New creates the tool.
func New(store engram.Storage) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []engram.ToolDefinition {
	return []engram.ToolDefinition{{
		Name:        "remember",
		Description: "Save a lasting note about the requesting user: a preference, standing instruction, or durable fact. Use when the user explicitly asks you to remember something or states a preference that should persist across conversations.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"note":{"type":"string","description":"The note to save, phrased as a short standalone statement"}},"required":["note"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (engram.ToolResult, error) {
	var params struct {
		Note string `json:"note"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return engram.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	note := strings.TrimSpace(params.Note)
	if note == "" {
		return engram.ToolResult{Error: "note must not be empty"}, nil
	}

	scope, ok := engram.RequestScopeFrom(ctx)
	if !ok || scope.UserID == "" {
		return engram.ToolResult{Error: "no user in scope"}, nil
	}

	current := ""
	u, err := t.store.GetUser(ctx, scope.UserID)
	switch {
	case err == nil:
		current = u.Procedural
	case errors.Is(err, engram.ErrNotFound):
	default:
		return engram.ToolResult{Error: "load user: " + err.Error()}, nil
	}

	merged, added := appendNote(current, note)
	if !added {
		return engram.ToolResult{Content: "Already noted: " + note}, nil
	}

	if _, err := t.store.UpsertUser(ctx, engram.UserUpsert{
		ID:         scope.UserID,
		Procedural: &merged,
	}); err != nil {
		return engram.ToolResult{Error: "save note: " + err.Error()}, nil
	}

	return engram.ToolResult{Content: "Remembered: " + note}, nil
}

// appendNote adds note as a new "- " line, skipping exact duplicates and
// trimming oldest lines to stay under maxProceduralLen.
func appendNote(current, note string) (string, bool) {
	line := "- " + note
	var lines []string
	for _, l := range strings.Split(current, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if l == line || l == note {
			return current, false
		}
		lines = append(lines, l)
	}
	lines = append(lines, line)

	joined := strings.Join(lines, "\n")
	for len(joined) > maxProceduralLen && len(lines) > 1 {
		lines = lines[1:]
		joined = strings.Join(lines, "\n")
	}
	return joined, true
}

package remember

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	engram "github.com/sorane/engram"
	"github.com/sorane/engram/store/sqlite"
)

func testTool(t *testing.T) (*Tool, engram.Storage) {
	t.Helper()
	s := sqlite.New(t.TempDir() + "/mem.db")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func scopedCtx(userID string) context.Context {
	return engram.WithRequestScope(context.Background(), engram.RequestScope{
		UserID:    userID,
		ChannelID: "ch1",
	})
}

func exec(t *testing.T, tool *Tool, ctx context.Context, note string) engram.ToolResult {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"note": note})
	result, err := tool.Execute(ctx, "remember", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return result
}

func TestRememberCreatesUser(t *testing.T) {
	tool, store := testTool(t)

	result := exec(t, tool, scopedCtx("u1"), "prefers metric units")
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "Remembered") {
		t.Errorf("content = %q", result.Content)
	}

	u, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Procedural != "- prefers metric units" {
		t.Errorf("procedural = %q", u.Procedural)
	}
}

func TestRememberAppendsNotes(t *testing.T) {
	tool, store := testTool(t)
	ctx := scopedCtx("u1")

	exec(t, tool, ctx, "prefers metric units")
	exec(t, tool, ctx, "lives in Lisbon")

	u, _ := store.GetUser(context.Background(), "u1")
	want := "- prefers metric units\n- lives in Lisbon"
	if u.Procedural != want {
		t.Errorf("procedural = %q, want %q", u.Procedural, want)
	}
}

func TestRememberSkipsDuplicates(t *testing.T) {
	tool, store := testTool(t)
	ctx := scopedCtx("u1")

	exec(t, tool, ctx, "prefers metric units")
	result := exec(t, tool, ctx, "prefers metric units")
	if !strings.Contains(result.Content, "Already noted") {
		t.Errorf("content = %q", result.Content)
	}

	u, _ := store.GetUser(context.Background(), "u1")
	if strings.Count(u.Procedural, "metric units") != 1 {
		t.Errorf("duplicate stored: %q", u.Procedural)
	}
}

func TestRememberTrimsOldestWhenFull(t *testing.T) {
	tool, store := testTool(t)
	ctx := scopedCtx("u1")

	exec(t, tool, ctx, "first note "+strings.Repeat("x", 900))
	exec(t, tool, ctx, "second note "+strings.Repeat("y", 900))
	exec(t, tool, ctx, "third note "+strings.Repeat("z", 900))

	u, _ := store.GetUser(context.Background(), "u1")
	if len(u.Procedural) > maxProceduralLen {
		t.Errorf("procedural length %d over cap", len(u.Procedural))
	}
	if strings.Contains(u.Procedural, "first note") {
		t.Error("oldest note should have been trimmed")
	}
	if !strings.Contains(u.Procedural, "third note") {
		t.Error("newest note missing")
	}
}

func TestRememberNoScope(t *testing.T) {
	tool, _ := testTool(t)
	args, _ := json.Marshal(map[string]string{"note": "anything"})
	result, err := tool.Execute(context.Background(), "remember", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error without request scope")
	}
}

func TestRememberEmptyNote(t *testing.T) {
	tool, _ := testTool(t)
	result := exec(t, tool, scopedCtx("u1"), "   ")
	if result.Error == "" {
		t.Error("expected error for empty note")
	}
}

func TestRememberPreservesOtherUserFields(t *testing.T) {
	tool, store := testTool(t)

	if _, err := store.UpsertUser(context.Background(), engram.UserUpsert{
		ID:   "u1",
		Name: "Alice",
	}); err != nil {
		t.Fatal(err)
	}

	exec(t, tool, scopedCtx("u1"), "prefers short replies")

	u, _ := store.GetUser(context.Background(), "u1")
	if len(u.DisplayNames) != 1 || u.DisplayNames[0] != "Alice" {
		t.Errorf("display names clobbered: %v", u.DisplayNames)
	}
}

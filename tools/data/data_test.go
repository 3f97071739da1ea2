package data

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func call(t *testing.T, name string, args any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	tool := New()
	result, err := tool.Execute(context.Background(), name, raw)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out
}

func callErr(t *testing.T, name string, args any) string {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	tool := New()
	result, err := tool.Execute(context.Background(), name, raw)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Error == "" {
		t.Fatal("expected tool error but got none")
	}
	return result.Error
}

func groups(out map[string]any) []map[string]any {
	raw, ok := out["groups"].([]any)
	if !ok {
		return nil
	}
	recs := make([]map[string]any, len(raw))
	for i, r := range raw {
		recs[i] = r.(map[string]any)
	}
	return recs
}

// ---- aggregate_data tests ----

func TestAggregateCSVGrouped(t *testing.T) {
	out := call(t, "aggregate_data", map[string]any{
		"content":  "city,amount\nNYC,10\nNYC,20\nLA,5",
		"group_by": []string{"city"},
		"metrics":  []map[string]string{{"column": "amount", "op": "sum"}, {"column": "amount", "op": "count"}},
	})

	gs := groups(out)
	if len(gs) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(gs))
	}
	// Sorted by group key: LA before NYC.
	if gs[0]["city"] != "LA" || gs[0]["sum_amount"].(float64) != 5 {
		t.Errorf("unexpected LA group: %v", gs[0])
	}
	if gs[1]["city"] != "NYC" || gs[1]["sum_amount"].(float64) != 30 {
		t.Errorf("unexpected NYC group: %v", gs[1])
	}
	if gs[1]["count_amount"].(float64) != 2 {
		t.Errorf("expected count 2, got %v", gs[1]["count_amount"])
	}
}

func TestAggregateAllRecords(t *testing.T) {
	out := call(t, "aggregate_data", map[string]any{
		"content": `[{"v": 1}, {"v": 2}, {"v": 3}]`,
		"metrics": []map[string]string{{"column": "v", "op": "avg"}, {"column": "v", "op": "max"}},
	})

	gs := groups(out)
	if len(gs) != 1 {
		t.Fatalf("expected 1 group, got %d", len(gs))
	}
	if gs[0]["avg_v"].(float64) != 2 {
		t.Errorf("avg = %v, want 2", gs[0]["avg_v"])
	}
	if gs[0]["max_v"].(float64) != 3 {
		t.Errorf("max = %v, want 3", gs[0]["max_v"])
	}
}

func TestAggregateWithFilter(t *testing.T) {
	out := call(t, "aggregate_data", map[string]any{
		"content": "level,n\nERROR,4\nINFO,10\nERROR,6",
		"where":   []map[string]any{{"column": "level", "op": "==", "value": "ERROR"}},
		"metrics": []map[string]string{{"column": "n", "op": "sum"}},
	})

	gs := groups(out)
	if len(gs) != 1 {
		t.Fatalf("expected 1 group, got %d", len(gs))
	}
	if gs[0]["sum_n"].(float64) != 10 {
		t.Errorf("filtered sum = %v, want 10", gs[0]["sum_n"])
	}
}

func TestAggregateJSONL(t *testing.T) {
	out := call(t, "aggregate_data", map[string]any{
		"content": "{\"k\": \"a\", \"v\": 1}\n{\"k\": \"b\", \"v\": 2}\nnot json\n{\"k\": \"a\", \"v\": 3}",
		"group_by": []string{"k"},
		"metrics":  []map[string]string{{"column": "v", "op": "sum"}},
	})

	gs := groups(out)
	if len(gs) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(gs))
	}
	if gs[0]["k"] != "a" || gs[0]["sum_v"].(float64) != 4 {
		t.Errorf("unexpected group a: %v", gs[0])
	}
}

func TestAggregateNumericStringCoercion(t *testing.T) {
	out := call(t, "aggregate_data", map[string]any{
		"content": "price\n1.50\n2.50",
		"where":   []map[string]any{{"column": "price", "op": ">", "value": 1}},
		"metrics": []map[string]string{{"column": "price", "op": "sum"}},
	})

	gs := groups(out)
	if gs[0]["sum_price"].(float64) != 4 {
		t.Errorf("sum = %v, want 4", gs[0]["sum_price"])
	}
}

func TestAggregateMissingMetrics(t *testing.T) {
	errMsg := callErr(t, "aggregate_data", map[string]any{
		"content": "a\n1",
	})
	if !strings.Contains(errMsg, "metrics") {
		t.Errorf("unexpected error: %s", errMsg)
	}
}

func TestAggregateBadFormat(t *testing.T) {
	errMsg := callErr(t, "aggregate_data", map[string]any{
		"content": "a\n1",
		"format":  "xml",
		"metrics": []map[string]string{{"column": "a", "op": "count"}},
	})
	if !strings.Contains(errMsg, "unknown format") {
		t.Errorf("unexpected error: %s", errMsg)
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"a,b\n1,2", "csv"},
		{`[{"a": 1}]`, "json"},
		{"{\"a\": 1}\n{\"a\": 2}", "jsonl"},
		{`{"a": 1}`, "json"},
	}
	for _, c := range cases {
		if got := detectFormat(c.content); got != c.want {
			t.Errorf("detectFormat(%q) = %s, want %s", c.content, got, c.want)
		}
	}
}

func TestUnknownToolName(t *testing.T) {
	tool := New()
	result, err := tool.Execute(context.Background(), "data_bogus", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Error, "unknown") {
		t.Errorf("expected unknown tool error, got %q", result.Error)
	}
}

// ---- calculate tests ----

func calc(t *testing.T, expr string) string {
	t.Helper()
	tool := New()
	args, _ := json.Marshal(map[string]string{"expression": expr})
	result, err := tool.Execute(context.Background(), "calculate", args)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("calculate(%q) error: %s", expr, result.Error)
	}
	return result.Content
}

func TestCalculateBasics(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 / 4", "2.5"},
		{"2 ^ 10", "1024"},
		{"-3 + 5", "2"},
		{"10 % 3", "1"},
		{"2 ^ 3 ^ 2", "512"}, // right associative
	}
	for _, c := range cases {
		if got := calc(t, c.expr); got != c.want {
			t.Errorf("calculate(%q) = %s, want %s", c.expr, got, c.want)
		}
	}
}

func TestCalculateFunctions(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"sqrt(16)", "4"},
		{"abs(-2.5)", "2.5"},
		{"round(2.4)", "2"},
		{"floor(2.9)", "2"},
		{"ceil(2.1)", "3"},
		{"min(3, 1, 2)", "1"},
		{"max(3, 1, 2)", "3"},
		{"pow(2, 8)", "256"},
	}
	for _, c := range cases {
		if got := calc(t, c.expr); got != c.want {
			t.Errorf("calculate(%q) = %s, want %s", c.expr, got, c.want)
		}
	}
}

func TestCalculateConstants(t *testing.T) {
	got := calc(t, "pi")
	var v float64
	if _, err := json.Number(got).Int64(); err == nil {
		t.Fatalf("pi should not be integral: %s", got)
	}
	json.Unmarshal([]byte(got), &v)
	if math.Abs(v-math.Pi) > 1e-9 {
		t.Errorf("pi = %s", got)
	}
}

func TestCalculateErrors(t *testing.T) {
	cases := []string{
		"1 / 0",
		"1 +",
		"(1 + 2",
		"bogus(1)",
		"nope",
		"1 2",
		"",
	}
	tool := New()
	for _, expr := range cases {
		args, _ := json.Marshal(map[string]string{"expression": expr})
		result, err := tool.Execute(context.Background(), "calculate", args)
		if err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		if result.Error == "" {
			t.Errorf("calculate(%q) should fail, got %q", expr, result.Content)
		}
	}
}

func TestCalculateScientificNotation(t *testing.T) {
	if got := calc(t, "1.5e3 + 500"); got != "2000" {
		t.Errorf("got %s, want 2000", got)
	}
}

// Package data provides the aggregate_data and calculate dispatcher tools.
// aggregate_data parses raw CSV/JSON/JSONL, filters, groups, and computes
// metrics in one call so the planner does not have to chain parse steps.
// calculate evaluates arithmetic expressions without shelling out.
package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	engram "github.com/sorane/engram"
)

const (
	defaultLimit  = 1000
	maxOutputSize = 32 * 1024 // 32KB
)

// Tool provides structured data aggregation and arithmetic.
type Tool struct{}

// New creates the tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []engram.ToolDefinition {
	return []engram.ToolDefinition{
		{
			Name:        "aggregate_data",
			Description: "Parse raw CSV, JSON, or JSONL text and compute aggregate metrics, optionally filtered and grouped. Operations: sum, count, avg, min, max. Use for questions over tabular data pasted into chat or fetched from a URL.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {
						"type": "string",
						"description": "Raw text content to parse (CSV, JSON array, or JSONL). Auto-detected."
					},
					"format": {
						"type": "string",
						"enum": ["csv", "json", "jsonl"],
						"description": "Data format. Auto-detected if omitted."
					},
					"where": {
						"type": "array",
						"description": "Optional AND-ed filter conditions: [{column, op, value}, ...]. Operators: ==, !=, >, <, >=, <=, contains, in.",
						"items": {
							"type": "object",
							"properties": {
								"column": {"type": "string"},
								"op": {"type": "string", "enum": ["==", "!=", ">", "<", ">=", "<=", "contains", "in"]},
								"value": {}
							},
							"required": ["column", "op", "value"]
						}
					},
					"group_by": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Columns to group by (omit to aggregate all records)"
					},
					"metrics": {
						"type": "array",
						"description": "Aggregation metrics: [{column, op}, ...]",
						"items": {
							"type": "object",
							"properties": {
								"column": {"type": "string"},
								"op": {"type": "string", "enum": ["sum", "count", "avg", "min", "max"]}
							},
							"required": ["column", "op"]
						}
					}
				},
				"required": ["content", "metrics"]
			}`),
		},
		{
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, and the functions sqrt, abs, round, floor, ceil, min, max, pow, plus the constants pi and e. Use for any math instead of computing in your head.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string","description":"Arithmetic expression, e.g. (1500 * 1.08) / 12"}},"required":["expression"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (engram.ToolResult, error) {
	switch name {
	case "aggregate_data":
		return aggregateData(args)
	case "calculate":
		return calculate(args)
	default:
		return engram.ToolResult{Error: "unknown data tool: " + name}, nil
	}
}

// --- aggregate_data ---

type aggregateArgs struct {
	Content string      `json:"content"`
	Format  string      `json:"format"`
	Where   []condition `json:"where"`
	GroupBy []string    `json:"group_by"`
	Metrics []metric    `json:"metrics"`
}

type condition struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

type metric struct {
	Column string `json:"column"`
	Op     string `json:"op"`
}

func aggregateData(args json.RawMessage) (engram.ToolResult, error) {
	var a aggregateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return engram.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if a.Content == "" {
		return engram.ToolResult{Error: "content is required"}, nil
	}
	if len(a.Metrics) == 0 {
		return engram.ToolResult{Error: "metrics are required"}, nil
	}

	format := a.Format
	if format == "" {
		format = detectFormat(a.Content)
	}

	var records []map[string]any
	var err error
	switch format {
	case "csv":
		records, err = parseCSV(a.Content, defaultLimit)
	case "json":
		records, err = parseJSON(a.Content, defaultLimit)
	case "jsonl":
		records, err = parseJSONL(a.Content, defaultLimit)
	default:
		return engram.ToolResult{Error: "unknown format: " + format + " (use csv, json, or jsonl)"}, nil
	}
	if err != nil {
		return engram.ToolResult{Error: err.Error()}, nil
	}

	if len(a.Where) > 0 {
		var filtered []map[string]any
		for _, rec := range records {
			if matchesAll(rec, a.Where) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	// Group and compute.
	groups := make(map[string][]map[string]any)
	groupKeys := make(map[string]map[string]any)
	for _, rec := range records {
		key := buildGroupKey(rec, a.GroupBy)
		groups[key] = append(groups[key], rec)
		if _, ok := groupKeys[key]; !ok {
			gk := make(map[string]any)
			for _, col := range a.GroupBy {
				gk[col] = rec[col]
			}
			groupKeys[key] = gk
		}
	}

	var result []map[string]any
	for key, recs := range groups {
		row := make(map[string]any)
		for k, v := range groupKeys[key] {
			row[k] = v
		}
		for _, m := range a.Metrics {
			row[m.Op+"_"+m.Column] = computeMetric(recs, m)
		}
		result = append(result, row)
	}
	if result == nil {
		result = []map[string]any{}
	}

	// Deterministic group order.
	if len(a.GroupBy) > 0 {
		sort.Slice(result, func(i, j int) bool {
			for _, col := range a.GroupBy {
				si := fmt.Sprintf("%v", result[i][col])
				sj := fmt.Sprintf("%v", result[j][col])
				if si != sj {
					return si < sj
				}
			}
			return false
		})
	}

	return marshalResult(map[string]any{
		"groups":        result,
		"count":         len(result),
		"records_total": len(records),
	})
}

func detectFormat(content string) string {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 {
		return "csv"
	}
	if trimmed[0] == '[' || trimmed[0] == '{' {
		if trimmed[0] == '{' && strings.Contains(trimmed, "\n") {
			lines := strings.Split(trimmed, "\n")
			if len(lines) > 1 {
				second := strings.TrimSpace(lines[1])
				if len(second) > 0 && second[0] == '{' {
					return "jsonl"
				}
			}
		}
		return "json"
	}
	return "csv"
}

func parseCSV(content string, limit int) ([]map[string]any, error) {
	reader := csv.NewReader(strings.NewReader(content))
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	allRows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse error: %w", err)
	}
	if len(allRows) < 2 {
		return nil, nil
	}

	headers := allRows[0]
	records := make([]map[string]any, 0, min(len(allRows)-1, limit))
	for i := 1; i < len(allRows) && len(records) < limit; i++ {
		row := allRows[i]
		rec := make(map[string]any, len(headers))
		for j, h := range headers {
			if j < len(row) {
				rec[h] = row[j]
			} else {
				rec[h] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseJSON(content string, limit int) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(content)

	var records []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, fmt.Errorf("json parse error: %w", err)
		}
	} else {
		var single map[string]any
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return nil, fmt.Errorf("json parse error: %w", err)
		}
		records = []map[string]any{single}
	}

	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func parseJSONL(content string, limit int) ([]map[string]any, error) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	records := make([]map[string]any, 0, min(len(lines), limit))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || len(records) >= limit {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // skip malformed lines
		}
		records = append(records, rec)
	}
	return records, nil
}

func matchesAll(rec map[string]any, conditions []condition) bool {
	for _, c := range conditions {
		if !matchCondition(rec, c) {
			return false
		}
	}
	return true
}

func matchCondition(rec map[string]any, c condition) bool {
	val, ok := rec[c.Column]
	if !ok {
		return false
	}

	switch c.Op {
	case "==":
		return compareValues(val, c.Value) == 0
	case "!=":
		return compareValues(val, c.Value) != 0
	case ">":
		return compareValues(val, c.Value) > 0
	case "<":
		return compareValues(val, c.Value) < 0
	case ">=":
		return compareValues(val, c.Value) >= 0
	case "<=":
		return compareValues(val, c.Value) <= 0
	case "contains":
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", val)),
			strings.ToLower(fmt.Sprintf("%v", c.Value)),
		)
	case "in":
		return valueIn(val, c.Value)
	default:
		return false
	}
}

func compareValues(a, b any) int {
	fa, aOk := toFloat(a)
	fb, bOk := toFloat(b)
	if aOk && bOk {
		if fa < fb {
			return -1
		}
		if fa > fb {
			return 1
		}
		return 0
	}
	sa := fmt.Sprintf("%v", a)
	sb := fmt.Sprintf("%v", b)
	if sa < sb {
		return -1
	}
	if sa > sb {
		return 1
	}
	return 0
}

func valueIn(val, set any) bool {
	arr, ok := set.([]any)
	if !ok {
		return false
	}
	vs := fmt.Sprintf("%v", val)
	for _, item := range arr {
		if fmt.Sprintf("%v", item) == vs {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func buildGroupKey(rec map[string]any, groupBy []string) string {
	if len(groupBy) == 0 {
		return "_all"
	}
	parts := make([]string, len(groupBy))
	for i, col := range groupBy {
		parts[i] = fmt.Sprintf("%v", rec[col])
	}
	return strings.Join(parts, "\x00")
}

func computeMetric(records []map[string]any, m metric) any {
	switch m.Op {
	case "count":
		return len(records)
	case "sum":
		sum := 0.0
		for _, rec := range records {
			if f, ok := toFloat(rec[m.Column]); ok {
				sum += f
			}
		}
		return sum
	case "avg":
		sum := 0.0
		count := 0
		for _, rec := range records {
			if f, ok := toFloat(rec[m.Column]); ok {
				sum += f
				count++
			}
		}
		if count == 0 {
			return nil
		}
		return sum / float64(count)
	case "min":
		minVal := math.MaxFloat64
		found := false
		for _, rec := range records {
			if f, ok := toFloat(rec[m.Column]); ok {
				if f < minVal {
					minVal = f
				}
				found = true
			}
		}
		if !found {
			return nil
		}
		return minVal
	case "max":
		maxVal := -math.MaxFloat64
		found := false
		for _, rec := range records {
			if f, ok := toFloat(rec[m.Column]); ok {
				if f > maxVal {
					maxVal = f
				}
				found = true
			}
		}
		if !found {
			return nil
		}
		return maxVal
	default:
		return nil
	}
}

func marshalResult(v map[string]any) (engram.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return engram.ToolResult{Error: "marshal error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxOutputSize {
		if groups, ok := v["groups"].([]map[string]any); ok {
			for len(groups) > 1 {
				groups = groups[:len(groups)/2]
				v["groups"] = groups
				v["count"] = len(groups)
				data, _ = json.Marshal(v)
				if len(data) <= maxOutputSize {
					break
				}
			}
			content = string(data)
		}
	}
	return engram.ToolResult{Content: content}, nil
}

// --- calculate ---

func calculate(args json.RawMessage) (engram.ToolResult, error) {
	var p struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return engram.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(p.Expression) == "" {
		return engram.ToolResult{Error: "expression is required"}, nil
	}

	val, err := evalExpression(p.Expression)
	if err != nil {
		return engram.ToolResult{Error: err.Error()}, nil
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return engram.ToolResult{Error: "expression does not evaluate to a finite number"}, nil
	}

	return engram.ToolResult{Content: formatNumber(val)}, nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// evalExpression parses and evaluates an arithmetic expression with a small
// recursive-descent parser. Grammar, lowest precedence first:
//
//	expr   = term   { ("+" | "-") term }
//	term   = unary  { ("*" | "/" | "%") unary }
//	unary  = "-" unary | power
//	power  = atom   [ "^" unary ]          (right associative)
//	atom   = number | const | func "(" expr { "," expr } ")" | "(" expr ")"
func evalExpression(s string) (float64, error) {
	p := &exprParser{input: s}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseAtom() (float64, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return p.parseIdent()
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' ||
			((c == '+' || c == '-') && p.pos > start && (p.input[p.pos-1] == 'e' || p.input[p.pos-1] == 'E')) {
			p.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) parseIdent() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			p.pos++
			continue
		}
		break
	}
	name := strings.ToLower(p.input[start:p.pos])

	switch name {
	case "pi":
		return math.Pi, nil
	case "e":
		return math.E, nil
	}

	if p.peek() != '(' {
		return 0, fmt.Errorf("unknown identifier %q", name)
	}
	p.pos++

	var fnArgs []float64
	if p.peek() != ')' {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			fnArgs = append(fnArgs, v)
			if p.peek() != ',' {
				break
			}
			p.pos++
		}
	}
	if p.peek() != ')' {
		return 0, fmt.Errorf("missing closing parenthesis in %s()", name)
	}
	p.pos++

	return applyFunc(name, fnArgs)
}

func applyFunc(name string, args []float64) (float64, error) {
	one := func() (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s() takes one argument", name)
		}
		return args[0], nil
	}
	switch name {
	case "sqrt":
		v, err := one()
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(v), nil
	case "abs":
		v, err := one()
		if err != nil {
			return 0, err
		}
		return math.Abs(v), nil
	case "round":
		v, err := one()
		if err != nil {
			return 0, err
		}
		return math.Round(v), nil
	case "floor":
		v, err := one()
		if err != nil {
			return 0, err
		}
		return math.Floor(v), nil
	case "ceil":
		v, err := one()
		if err != nil {
			return 0, err
		}
		return math.Ceil(v), nil
	case "min":
		if len(args) == 0 {
			return 0, fmt.Errorf("min() needs at least one argument")
		}
		m := args[0]
		for _, v := range args[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	case "max":
		if len(args) == 0 {
			return 0, fmt.Errorf("max() needs at least one argument")
		}
		m := args[0]
		for _, v := range args[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	case "pow":
		if len(args) != 2 {
			return 0, fmt.Errorf("pow() takes two arguments")
		}
		return math.Pow(args[0], args[1]), nil
	default:
		return 0, fmt.Errorf("unknown function %q", name)
	}
}

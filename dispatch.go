package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DirectAnswer is the reserved plan step meaning "no tool needed". It is
// never dispatched to the registry.
const DirectAnswer = "directly_answer"

// planSchema is the structured-mode contract for the planner call.
var planSchema = json.RawMessage(`{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"tool_name": {"type": "string"},
			"parameters": {"type": "object"},
			"dependencies": {"type": "array", "items": {"type": "string"}},
			"priority": {"type": "integer"},
			"timeout": {"type": "integer"}
		},
		"required": ["tool_name", "parameters"]
	}
}`)

// planStep is one entry of the planner's output.
type planStep struct {
	ToolName     string          `json:"tool_name"`
	Parameters   json.RawMessage `json:"parameters"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	TimeoutSec   int             `json:"timeout,omitempty"`
}

// StepStatus is the terminal state of one dispatched tool.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepTimeout   StepStatus = "timeout"
)

// StepResult is the dispatcher's record of one tool execution. It is
// serialized into a function-role history entry for the answer call.
type StepResult struct {
	Tool          string     `json:"tool_name"`
	Status        StepStatus `json:"status"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ExecutionTime float64    `json:"execution_time"`

	artifacts []Artifact
}

// DispatchInput is one addressable user turn. History carries the most
// recent items last; attachments arrive already flattened into Prompt
// text and Media parts.
type DispatchInput struct {
	Prompt  string
	History []ChatMessage
	Media   []ImageData

	TraceID   string
	ServerID  string
	ChannelID string
	UserID    string
}

const defaultPlannerPrompt = `You are the planning stage of a chat assistant. Given the conversation and the user's request, decide which tools to run.

Available tools:
%s

Respond with a JSON array of steps: [{"tool_name": string, "parameters": object, "dependencies": [string], "priority": integer, "timeout": integer}]. "dependencies" names other planned tools whose output this step needs. Higher "priority" runs first when order is otherwise unconstrained. Use [{"tool_name": "directly_answer", "parameters": {"prompt": "<restate the request>"}}] when no tool is needed. JSON only, no prose.`

const defaultAnswerPrompt = `You are a helpful assistant in a chat community. Tool results appear as function messages; weave them into a direct, conversational answer. Never mention the tools themselves.`

// Dispatcher plans tool usage for a user turn, executes the plan in
// dependency order on a bounded pool, and produces the final reply with
// the tool results folded into history.
type Dispatcher struct {
	gateway  Generator
	registry *ToolRegistry
	chat     ChatService

	historyN  int
	workers   int
	timeout   time.Duration
	overrides map[string]time.Duration

	plannerPrompt string
	answerPrompt  string

	reporter ErrorReporter
	sink     Sink
	logger   *slog.Logger
	perf     *Perf
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatcherHistory sets how many trailing history items feed the planner.
// Default: 10.
func DispatcherHistory(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historyN = n
		}
	}
}

// DispatcherWorkers bounds concurrent tool executions within a group.
// Default: 4.
func DispatcherWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// DispatcherTimeout sets the default per-tool deadline. Default: 30s.
func DispatcherTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// DispatcherTimeoutFor overrides the deadline for one tool name.
func DispatcherTimeoutFor(name string, t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.overrides[name] = t }
}

// DispatcherChat sets the chat service used for out-of-band artifact
// delivery. Without it artifacts are dropped with a report.
func DispatcherChat(c ChatService) DispatcherOption {
	return func(d *Dispatcher) { d.chat = c }
}

// DispatcherPlannerPrompt overrides the planner system prompt. The prompt
// must contain one %s verb for the tool catalog.
func DispatcherPlannerPrompt(p string) DispatcherOption {
	return func(d *Dispatcher) {
		if p != "" {
			d.plannerPrompt = p
		}
	}
}

// DispatcherAnswerPrompt overrides the answer system prompt.
func DispatcherAnswerPrompt(p string) DispatcherOption {
	return func(d *Dispatcher) {
		if p != "" {
			d.answerPrompt = p
		}
	}
}

// DispatcherReporter sets the async error reporter.
func DispatcherReporter(r ErrorReporter) DispatcherOption {
	return func(d *Dispatcher) { d.reporter = r }
}

// DispatcherSink routes dispatch events to the log sink.
func DispatcherSink(s Sink) DispatcherOption {
	return func(d *Dispatcher) { d.sink = s }
}

// DispatcherLogger sets the structured logger.
func DispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// DispatcherPerf times planning and execution on the monitor.
func DispatcherPerf(p *Perf) DispatcherOption {
	return func(d *Dispatcher) { d.perf = p }
}

// NewDispatcher creates a dispatcher over the gateway and tool registry.
func NewDispatcher(gateway Generator, registry *ToolRegistry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway:       gateway,
		registry:      registry,
		historyN:      10,
		workers:       4,
		timeout:       30 * time.Second,
		overrides:     make(map[string]time.Duration),
		plannerPrompt: defaultPlannerPrompt,
		answerPrompt:  defaultAnswerPrompt,
		reporter:      NopReporter(),
		sink:          NopSink(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// Handle runs the full plan-execute-answer pipeline for one user turn and
// returns the reply text. A non-nil error is always a *ProviderError from
// the final answer call; tool failures surface inside the conversation,
// not as errors.
func (d *Dispatcher) Handle(ctx context.Context, input DispatchInput) (string, error) {
	if input.TraceID == "" {
		input.TraceID = NewID()
	}
	start := time.Now()
	defer func() {
		if d.perf != nil {
			d.perf.Observe("dispatch", time.Since(start))
		}
	}()

	history := input.History
	if len(history) > d.historyN {
		history = history[len(history)-d.historyN:]
	}

	steps := d.plan(ctx, input, history)
	executable := make([]planStep, 0, len(steps))
	for _, s := range steps {
		if s.ToolName != DirectAnswer {
			executable = append(executable, s)
		}
	}

	enriched := history
	if len(executable) > 0 {
		results := d.execute(ctx, input, executable)
		enriched = append(append([]ChatMessage{}, history...), d.asHistory(ctx, input, results)...)
	}

	reply, err := d.gateway.Generate(ctx, GenRequest{
		Prompt:       input.Prompt,
		SystemPrompt: d.answerPrompt,
		History:      enriched,
		Media:        input.Media,
		TraceID:      input.TraceID,
		ServerID:     input.ServerID,
		ChannelID:    input.ChannelID,
		UserID:       input.UserID,
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// plan asks the gateway for a tool plan. Any failure, including malformed
// output, degrades to the single-step direct answer plan.
func (d *Dispatcher) plan(ctx context.Context, input DispatchInput, history []ChatMessage) []planStep {
	var steps []planStep
	err := d.gateway.GenerateStructured(ctx, GenRequest{
		Prompt:       input.Prompt,
		SystemPrompt: fmt.Sprintf(d.plannerPrompt, d.catalog()),
		History:      history,
		Media:        input.Media,
		Schema:       planSchema,
		TraceID:      input.TraceID,
		ServerID:     input.ServerID,
		ChannelID:    input.ChannelID,
		UserID:       input.UserID,
	}, &steps)
	if err != nil {
		d.logger.Warn("planner fell back to direct answer", "trace_id", input.TraceID, "error", err)
		d.event(input, LevelWarning, "plan_fallback", err.Error(), nil)
		params, _ := json.Marshal(map[string]string{"prompt": input.Prompt})
		return []planStep{{ToolName: DirectAnswer, Parameters: params}}
	}
	d.event(input, LevelInfo, "plan_built", fmt.Sprintf("%d steps", len(steps)), map[string]any{
		"tools": stepNames(steps),
	})
	return steps
}

// catalog renders the registered tool definitions for the planner prompt.
func (d *Dispatcher) catalog() string {
	defs := d.registry.AllDefinitions()
	var b strings.Builder
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s", def.Name, def.Description)
		if len(def.Parameters) > 0 {
			fmt.Fprintf(&b, " parameters: %s", string(def.Parameters))
		}
		if len(def.Dependencies) > 0 {
			fmt.Fprintf(&b, " depends on: %s", strings.Join(def.Dependencies, ", "))
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return b.String()
}

// execute runs the plan's groups sequentially, each group concurrently on
// the worker pool. Results land at the step's original index.
func (d *Dispatcher) execute(ctx context.Context, input DispatchInput, steps []planStep) []StepResult {
	groups, cycle := d.buildGroups(steps)
	if cycle {
		d.reporter.Report("dispatcher", fmt.Errorf("dependency cycle in plan %v", stepNames(steps)))
		d.event(input, LevelWarning, "plan_cycle", "falling back to priority order", map[string]any{
			"tools": stepNames(steps),
		})
	}

	results := make([]StepResult, len(steps))
	sem := make(chan struct{}, d.workers)
	for _, group := range groups {
		var wg sync.WaitGroup
		for _, idx := range group {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int) {
				defer wg.Done()
				defer func() { <-sem }()
				results[idx] = d.execStep(ctx, input, steps[idx])
			}(idx)
		}
		wg.Wait()
	}
	return results
}

// buildGroups orders steps into execution waves by repeatedly taking every
// step whose dependencies are already satisfied. When no progress is
// possible the remaining steps fall back to priority order, highest first,
// one wave each, and cycle=true is reported.
func (d *Dispatcher) buildGroups(steps []planStep) ([][]int, bool) {
	deps := make([][]string, len(steps))
	for i, s := range steps {
		all := append([]string{}, s.Dependencies...)
		if def, ok := d.registry.Definition(s.ToolName); ok {
			all = append(all, def.Dependencies...)
		}
		planned := make(map[string]bool, len(steps))
		for _, other := range steps {
			if other.ToolName != s.ToolName {
				planned[other.ToolName] = true
			}
		}
		// Names outside the plan (and self-references) can never be
		// satisfied by waiting, so they do not count.
		kept := all[:0]
		for _, dep := range all {
			if planned[dep] {
				kept = append(kept, dep)
			}
		}
		deps[i] = kept
	}

	remaining := make([]int, len(steps))
	for i := range steps {
		remaining[i] = i
	}
	done := make(map[string]bool)
	var groups [][]int
	for len(remaining) > 0 {
		var ready, blocked []int
		for _, idx := range remaining {
			ok := true
			for _, dep := range deps[idx] {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, idx)
			} else {
				blocked = append(blocked, idx)
			}
		}
		if len(ready) == 0 {
			// Cycle. Remaining steps run one per wave, highest priority
			// first, original order breaking ties.
			sort.SliceStable(blocked, func(a, b int) bool {
				return steps[blocked[a]].Priority > steps[blocked[b]].Priority
			})
			for _, idx := range blocked {
				groups = append(groups, []int{idx})
			}
			return groups, true
		}
		groups = append(groups, ready)
		for _, idx := range ready {
			done[steps[idx].ToolName] = true
		}
		remaining = blocked
	}
	return groups, false
}

// execStep runs one tool under its deadline. The registry call runs on its
// own goroutine so a stuck tool cannot hold the wave past the deadline.
func (d *Dispatcher) execStep(ctx context.Context, input DispatchInput, step planStep) StepResult {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, d.timeoutFor(step))
	defer cancel()
	tctx = WithRequestScope(tctx, RequestScope{
		UserID:    input.UserID,
		ChannelID: input.ChannelID,
		GuildID:   input.ServerID,
	})

	type outcome struct {
		res ToolResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool panic: %v", r)}
			}
		}()
		res, err := d.registry.Execute(tctx, step.ToolName, step.Parameters)
		ch <- outcome{res: res, err: err}
	}()

	var result StepResult
	select {
	case <-tctx.Done():
		status := StepTimeout
		if ctx.Err() != nil {
			status = StepCancelled
		}
		result = StepResult{Tool: step.ToolName, Status: status, Error: tctx.Err().Error()}
	case o := <-ch:
		switch {
		case o.err != nil:
			result = StepResult{Tool: step.ToolName, Status: StepFailed, Error: o.err.Error()}
		case o.res.Error != "":
			result = StepResult{Tool: step.ToolName, Status: StepFailed, Error: o.res.Error}
		default:
			result = StepResult{
				Tool:      step.ToolName,
				Status:    StepCompleted,
				Result:    o.res.Content,
				artifacts: o.res.Artifacts,
			}
		}
	}
	result.ExecutionTime = time.Since(start).Seconds()

	level := LevelInfo
	if result.Status != StepCompleted {
		level = LevelWarning
	}
	d.event(input, level, "tool_"+string(result.Status), step.ToolName, map[string]any{
		"execution_time": result.ExecutionTime,
		"error":          result.Error,
	})
	return result
}

func (d *Dispatcher) timeoutFor(step planStep) time.Duration {
	if t, ok := d.overrides[step.ToolName]; ok {
		return t
	}
	if step.TimeoutSec > 0 {
		return time.Duration(step.TimeoutSec) * time.Second
	}
	return d.timeout
}

// asHistory converts step results into function-role entries. Artifacts
// are shipped to the channel out-of-band and replaced by their notes.
func (d *Dispatcher) asHistory(ctx context.Context, input DispatchInput, results []StepResult) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(results))
	for _, res := range results {
		for _, art := range res.artifacts {
			note := art.Note
			if note == "" {
				note = fmt.Sprintf("[file %s delivered to the channel]", art.Filename)
			}
			if d.chat == nil {
				d.reporter.Report("dispatcher", fmt.Errorf("artifact %s dropped: no chat service", art.Filename))
				continue
			}
			if err := d.chat.SendFile(ctx, input.ChannelID, art.Filename, art.Data); err != nil {
				d.reporter.Report("dispatcher", fmt.Errorf("artifact %s: %w", art.Filename, err))
				continue
			}
			if res.Result != "" {
				res.Result += "\n"
			}
			res.Result += note
		}
		body, err := json.Marshal(res)
		if err != nil {
			body = []byte(fmt.Sprintf(`{"tool_name":%q,"status":"failed","error":"unserializable result"}`, res.Tool))
		}
		msgs = append(msgs, FunctionMessage(res.Tool, string(body)))
	}
	return msgs
}

func (d *Dispatcher) event(input DispatchInput, level Level, action, message string, extra map[string]any) {
	d.sink.Enqueue(LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    "dispatcher",
		ServerID:  input.ServerID,
		Channel:   input.ChannelID,
		UserID:    input.UserID,
		Action:    action,
		Message:   message,
		TraceID:   input.TraceID,
		Extra:     extra,
	})
}

func stepNames(steps []planStep) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.ToolName
	}
	return names
}

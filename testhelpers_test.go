package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memStorage is an in-memory Storage for tests. It honors the interface
// contract: ErrNotFound for missing rows, monotonic Processed/Vectorized
// flags, and archive moves rows out of the live table.
type memStorage struct {
	mu       sync.Mutex
	users    map[string]User
	pending  []PendingRef
	msgs     map[string]Message
	order    []string
	archived map[string]ArchivedMessage
	states   map[string]ChannelState
	config   map[string]string
	nextID   int64
}

func newMemStorage() *memStorage {
	return &memStorage{
		users:    make(map[string]User),
		msgs:     make(map[string]Message),
		archived: make(map[string]ArchivedMessage),
		states:   make(map[string]ChannelState),
		config:   make(map[string]string),
	}
}

func (s *memStorage) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *memStorage) UpsertUser(_ context.Context, up UserUpsert) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[up.ID]
	if !ok {
		u = User{ID: up.ID, CreatedAt: time.Now().Unix()}
	}
	u.Name = up.Name
	seen := false
	for _, n := range u.DisplayNames {
		if n == up.Name {
			seen = true
		}
	}
	if !seen && up.Name != "" {
		u.DisplayNames = append(u.DisplayNames, up.Name)
	}
	if up.Procedural != nil {
		u.Procedural = *up.Procedural
	}
	if up.Background != nil {
		u.Background = *up.Background
	}
	s.users[up.ID] = u
	return u, nil
}

func (s *memStorage) AddPending(_ context.Context, ref PendingRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ref.ID = s.nextID
	s.pending = append(s.pending, ref)
	return nil
}

func (s *memStorage) GetPending(_ context.Context, limit int) ([]PendingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingRef
	for _, ref := range s.pending {
		if ref.Processed {
			continue
		}
		out = append(out, ref)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStorage) MarkPendingProcessed(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.pending {
		if want[s.pending[i].ID] {
			s.pending[i].Processed = true
		}
	}
	return nil
}

func (s *memStorage) StoreMessagesBatch(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if prev, ok := s.msgs[m.MessageID]; ok {
			m.Vectorized = prev.Vectorized
		} else {
			s.order = append(s.order, m.MessageID)
		}
		s.msgs[m.MessageID] = m
	}
	return nil
}

func (s *memStorage) GetUnvectorized(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.order {
		m, ok := s.msgs[id]
		if !ok || m.Vectorized {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStorage) MarkVectorized(_ context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if m, ok := s.msgs[id]; ok {
			m.Vectorized = true
			s.msgs[id] = m
		}
	}
	return nil
}

func (s *memStorage) ArchiveMessages(_ context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	for _, id := range messageIDs {
		m, ok := s.msgs[id]
		if !ok {
			continue
		}
		s.archived[id] = ArchivedMessage{Message: m, ArchivedAt: now}
		delete(s.msgs, id)
	}
	return nil
}

func (s *memStorage) DeleteMessages(_ context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		delete(s.msgs, id)
	}
	return nil
}

func (s *memStorage) GetChannelState(_ context.Context, channelID string) (ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[channelID]
	if !ok {
		return ChannelState{}, ErrNotFound
	}
	return st, nil
}

func (s *memStorage) UpsertChannelState(_ context.Context, st ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ChannelID] = st
	return nil
}

func (s *memStorage) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.config[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *memStorage) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *memStorage) Init(context.Context) error { return nil }
func (s *memStorage) Close() error               { return nil }

// Accessors for assertions.

func (s *memStorage) refs() []PendingRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingRef{}, s.pending...)
}

func (s *memStorage) message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	return m, ok
}

func (s *memStorage) archivedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.archived))
	for id := range s.archived {
		out = append(out, id)
	}
	return out
}

func (s *memStorage) state(channelID string) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[channelID]
}

// scriptChat is a scripted ChatService. Fetch errors queue per message id;
// once drained, fetches resolve from the message map or 404.
type scriptChat struct {
	mu       sync.Mutex
	channels map[string]Channel
	chanErr  map[string]error
	msgs     map[string]Message
	fetchErr map[string][]error
	fetched  []string
	sent     []string
	files    []string
	fileErr  error
}

func newScriptChat() *scriptChat {
	return &scriptChat{
		channels: make(map[string]Channel),
		chanErr:  make(map[string]error),
		msgs:     make(map[string]Message),
		fetchErr: make(map[string][]error),
	}
}

func (c *scriptChat) addMessage(m Message) { c.msgs[m.MessageID] = m }

func (c *scriptChat) FetchMessage(_ context.Context, channelID, messageID string) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, messageID)
	if q := c.fetchErr[messageID]; len(q) > 0 {
		err := q[0]
		c.fetchErr[messageID] = q[1:]
		return Message{}, err
	}
	if m, ok := c.msgs[messageID]; ok {
		return m, nil
	}
	return Message{}, &ChatError{Status: 404, Message: "unknown message"}
}

func (c *scriptChat) ChannelInfo(_ context.Context, channelID string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.chanErr[channelID]; err != nil {
		return Channel{}, err
	}
	if ch, ok := c.channels[channelID]; ok {
		return ch, nil
	}
	return Channel{ID: channelID, Type: ChannelText}, nil
}

func (c *scriptChat) SendMessage(_ context.Context, _ string, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return fmt.Sprintf("sent-%d", len(c.sent)), nil
}

func (c *scriptChat) SendFile(_ context.Context, _ string, filename string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fileErr != nil {
		return c.fileErr
	}
	c.files = append(c.files, filename)
	return nil
}

func (c *scriptChat) fetchCount(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.fetched {
		if id == messageID {
			n++
		}
	}
	return n
}

// stubGen scripts the Generator surface. Each call pops the next output:
// Generate returns it as text, GenerateStructured unmarshals it into out.
type stubGen struct {
	mu   sync.Mutex
	outs []genOut
	reqs []GenRequest
}

type genOut struct {
	text string
	err  error
}

func (g *stubGen) pop(req GenRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if len(g.outs) == 0 {
		return "", &ProviderError{Code: CodeProviderUnavailable, Message: "script exhausted"}
	}
	out := g.outs[0]
	g.outs = g.outs[1:]
	return out.text, out.err
}

func (g *stubGen) Generate(_ context.Context, req GenRequest) (string, error) {
	return g.pop(req)
}

func (g *stubGen) GenerateStructured(_ context.Context, req GenRequest, out any) error {
	text, err := g.pop(req)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), out)
}

func (g *stubGen) GenerateStream(_ context.Context, req GenRequest, out chan<- string) error {
	defer close(out)
	text, err := g.pop(req)
	if err != nil {
		return err
	}
	out <- text
	return nil
}

func (g *stubGen) requests() []GenRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenRequest{}, g.reqs...)
}

// memVectors is an in-memory VectorStore.
type memVectors struct {
	mu     sync.Mutex
	frags  []MemoryFragment
	addErr error
	hits   []ScoredFragment
	lastQ  SearchQuery
}

func (v *memVectors) AddMemories(_ context.Context, fragments []MemoryFragment) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.addErr != nil {
		return v.addErr
	}
	v.frags = append(v.frags, fragments...)
	return nil
}

func (v *memVectors) Search(_ context.Context, q SearchQuery) ([]ScoredFragment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastQ = q
	return v.hits, nil
}

func (v *memVectors) Init(context.Context) error { return nil }
func (v *memVectors) Close() error               { return nil }

func (v *memVectors) fragments() []MemoryFragment {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]MemoryFragment{}, v.frags...)
}

// stubEmbedder returns fixed-dimension vectors whose first component encodes
// the call order, so tests can tell embeddings apart.
type stubEmbedder struct {
	mu   sync.Mutex
	dims int
	err  error
	seen []string
}

func (e *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, e.dimensions())
		vec[0] = float32(len(e.seen) + 1)
		e.seen = append(e.seen, texts[i])
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return make([]float32, e.dimensions()), nil
}

func (e *stubEmbedder) Dimensions() int { return e.dimensions() }
func (e *stubEmbedder) Name() string    { return "stub-embed" }

func (e *stubEmbedder) dimensions() int {
	if e.dims > 0 {
		return e.dims
	}
	return 4
}

// recordReporter captures async error reports.
type recordReporter struct {
	mu      sync.Mutex
	reports []ErrorReport
}

func (r *recordReporter) Report(source string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, ErrorReport{Time: time.Now(), Source: source, Err: err})
}

func (r *recordReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// stubSummarizer returns a scripted summary batch and records its inputs.
type stubSummarizer struct {
	mu      sync.Mutex
	out     []EventSummary
	err     error
	batches [][]Message
}

func (s *stubSummarizer) Summarize(_ context.Context, msgs []Message) ([]EventSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Message{}, msgs...))
	return s.out, s.err
}

// stubVectorizer records the summaries it receives.
type stubVectorizer struct {
	mu      sync.Mutex
	err     error
	batches [][]EventSummary
}

func (v *stubVectorizer) ProcessEventSummaries(_ context.Context, summaries []EventSummary) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.batches = append(v.batches, append([]EventSummary{}, summaries...))
	return v.err
}

// funcTool adapts a function into a Tool.
type funcTool struct {
	defs []ToolDefinition
	fn   func(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

func (t *funcTool) Definitions() []ToolDefinition { return t.defs }

func (t *funcTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.fn(ctx, name, args)
}

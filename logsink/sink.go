// Package logsink implements engram.Sink as a background writer that
// buckets records into per-server, per-day, per-level JSONL files.
package logsink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sorane/engram"
)

// Option configures a Sink.
type Option func(*Sink)

// BatchSize sets the records per write batch. The queue holds four
// batches, never fewer than eight records. Default: 10.
func BatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batch = n
		}
	}
}

// FlushInterval sets how long the writer waits for a first record before
// idling through to the next interval. Default: 2s.
func FlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.flush = d
		}
	}
}

// FsyncOnFlush forces fdatasync after each bucket append.
func FsyncOnFlush(on bool) Option {
	return func(s *Sink) { s.fsync = on }
}

// Reporter sets the out-of-band error reporter for drops and write
// failures.
func Reporter(r engram.ErrorReporter) Option {
	return func(s *Sink) { s.reporter = r }
}

// Echo renders each written record to the console as well.
func Echo(c *Console) Option {
	return func(s *Sink) { s.console = c }
}

// Sink is a bounded-queue file logger. Enqueue never blocks: a full queue
// drops the record, counts it, and schedules a report. One writer
// goroutine drains the queue in batches and appends each (server, day,
// level) bucket to its own JSONL file.
type Sink struct {
	base    string
	batch   int
	flush   time.Duration
	fsync   bool
	console *Console

	queue    chan engram.LogRecord
	dropped  atomic.Int64
	closed   atomic.Bool
	once     sync.Once
	wg       sync.WaitGroup
	reporter engram.ErrorReporter
	masker   *engram.Masker
}

var _ engram.Sink = (*Sink)(nil)

// New creates a Sink writing under base and starts its writer.
func New(base string, opts ...Option) *Sink {
	s := &Sink{
		base:     base,
		batch:    10,
		flush:    2 * time.Second,
		reporter: engram.NopReporter(),
		masker:   engram.NewMasker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	size := s.batch * 4
	if size < 8 {
		size = 8
	}
	s.queue = make(chan engram.LogRecord, size)
	s.wg.Add(1)
	go s.worker()
	return s
}

// Enqueue admits rec without blocking. Reports false when the queue is
// full or the sink is closed; the record is then lost to the files but a
// drop report is scheduled.
func (s *Sink) Enqueue(rec engram.LogRecord) bool {
	if s.closed.Load() {
		return false
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- rec:
		return true
	default:
		n := s.dropped.Add(1)
		s.reporter.Report("logsink", fmt.Errorf("queue full, record dropped (total %d)", n))
		return false
	}
}

// Dropped returns how many records were lost to a full queue.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops intake, drains what is already queued, and waits for the
// writer to finish. Safe to call more than once.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.queue)
		s.wg.Wait()
	})
}

// worker drains the queue: wait up to flush for a first record, gather up
// to batch-1 more without waiting, write. A closed, empty queue ends the
// loop.
func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			batch := make([]engram.LogRecord, 0, s.batch)
			batch = append(batch, rec)
		gather:
			for len(batch) < s.batch {
				select {
				case more, ok := <-s.queue:
					if !ok {
						break gather
					}
					batch = append(batch, more)
				default:
					break gather
				}
			}
			s.writeBatch(batch)
		case <-time.After(s.flush):
		}
	}
}

type bucketKey struct {
	server string
	date   string
	level  engram.Level
}

// writeBatch masks, echoes, buckets, and appends one drained batch.
// Records keep enqueue order within a bucket; bucket order is
// unspecified.
func (s *Sink) writeBatch(batch []engram.LogRecord) {
	buckets := make(map[bucketKey][]engram.LogRecord)
	for _, rec := range batch {
		rec.Timestamp = rec.Timestamp.UTC()
		rec.Message = s.masker.MaskString(rec.Message)
		rec.Extra = s.masker.MaskFields(rec.Extra)
		if s.console != nil {
			s.console.Render(rec)
		}
		server := rec.ServerID
		if server == "" {
			server = "unknown"
		}
		key := bucketKey{server: server, date: rec.Timestamp.Format("20060102"), level: rec.Level}
		buckets[key] = append(buckets[key], rec)
	}
	for key, recs := range buckets {
		s.writeBucket(key, recs)
	}
}

// writeBucket appends one bucket's lines in a single write, retrying
// three times with linear backoff before stashing to the emergency file.
func (s *Sink) writeBucket(key bucketKey, recs []engram.LogRecord) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			s.reporter.Report("logsink", fmt.Errorf("encode record: %w", err))
		}
	}
	if buf.Len() == 0 {
		return
	}

	dir := filepath.Join(s.base, key.server, key.date)
	path := filepath.Join(dir, fmt.Sprintf("bot_log_%s.jsonl", key.level))
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = s.appendFile(dir, path, buf.Bytes()); lastErr == nil {
			return
		}
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	s.stashEmergency(key.server, buf.Bytes())
	s.reporter.Report("logsink", fmt.Errorf("bucket %s: %w", path, lastErr))
}

func (s *Sink) appendFile(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// stashEmergency preserves a bucket that could not reach its normal file.
func (s *Sink) stashEmergency(server string, data []byte) {
	dir := filepath.Join(s.base, "emergency")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.reporter.Report("logsink", fmt.Errorf("emergency dir: %w", err))
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, fmt.Sprintf("emergency_%s_%s.jsonl", server, stamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reporter.Report("logsink", fmt.Errorf("emergency open: %w", err))
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		s.reporter.Report("logsink", fmt.Errorf("emergency write: %w", err))
	}
}

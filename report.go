package engram

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorReport is one failure delivered through the async reporting seam.
type ErrorReport struct {
	Time    time.Time
	Source  string
	TraceID string
	Err     error
}

// ErrorReporter receives failures from background workers without ever
// blocking or raising. Every component gets one at construction; the
// default posts to a bounded mailbox drained by a dedicated worker.
type ErrorReporter interface {
	Report(source string, err error)
}

// NopReporter returns a reporter that discards everything.
func NopReporter() ErrorReporter { return nopReporter{} }

type nopReporter struct{}

func (nopReporter) Report(string, error) {}

// ReportHandler consumes drained reports, e.g. by posting to a bug-report
// channel. Handlers run on the mailbox worker goroutine.
type ReportHandler func(ErrorReport)

// MailboxReporter is the default ErrorReporter: a bounded MPSC mailbox with
// one drain worker. Report never blocks; when the mailbox is full the
// report is counted as dropped.
type MailboxReporter struct {
	ch      chan ErrorReport
	handler ReportHandler
	logger  *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ReporterOption configures a MailboxReporter.
type ReporterOption func(*MailboxReporter)

// ReporterCapacity sets the mailbox size (default: 64).
func ReporterCapacity(n int) ReporterOption {
	return func(r *MailboxReporter) {
		if n > 0 {
			r.ch = make(chan ErrorReport, n)
		}
	}
}

// ReporterLogger sets the logger used when no handler is installed and for
// handler panics. Default is a no-op logger.
func ReporterLogger(l *slog.Logger) ReporterOption {
	return func(r *MailboxReporter) { r.logger = l }
}

// ReporterHandler installs the drain function. When nil, reports are logged
// at ERROR level.
func ReporterHandler(h ReportHandler) ReporterOption {
	return func(r *MailboxReporter) { r.handler = h }
}

// NewMailboxReporter creates the reporter and starts its drain worker.
func NewMailboxReporter(opts ...ReporterOption) *MailboxReporter {
	r := &MailboxReporter{
		ch:     make(chan ErrorReport, 64),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Report enqueues without blocking. Full mailbox increments the drop count.
func (r *MailboxReporter) Report(source string, err error) {
	if err == nil {
		return
	}
	rep := ErrorReport{Time: time.Now().UTC(), Source: source, Err: err}
	select {
	case r.ch <- rep:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many reports were rejected by a full mailbox.
func (r *MailboxReporter) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting reports and waits for the worker to drain.
func (r *MailboxReporter) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
		r.wg.Wait()
	})
}

func (r *MailboxReporter) drain() {
	defer r.wg.Done()
	for rep := range r.ch {
		r.handle(rep)
	}
}

func (r *MailboxReporter) handle(rep ErrorReport) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("report handler panicked", "panic", rec, "source", rep.Source)
		}
	}()
	if r.handler != nil {
		r.handler(rep)
		return
	}
	r.logger.Error("background error",
		"source", rep.Source,
		"error", rep.Err)
}

var _ ErrorReporter = (*MailboxReporter)(nil)

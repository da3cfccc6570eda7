// Package events carries structured pipeline events from the core packages
// to whatever sinks are configured (log lines, Prometheus counters).
//
// The core packages never log job lifecycle changes directly; they call
// [Reporter.Report] and let the sinks decide how to render them.
package events

import (
	"time"

	"transcoderexpress/internal/logging"
)

// Kind identifies what happened.
type Kind string

const (
	JobDiscovered  Kind = "job_discovered"
	JobChanged     Kind = "job_changed"
	JobQueued      Kind = "job_queued"
	JobStarted     Kind = "job_started"
	JobSucceeded   Kind = "job_succeeded"
	JobRetrying    Kind = "job_retrying"
	JobFailed      Kind = "job_failed"
	JobInterrupted Kind = "job_interrupted"
	JobRequeued    Kind = "job_requeued"
	ClaimLost      Kind = "claim_lost"
	QueueFull      Kind = "queue_full"
	ScanError      Kind = "scan_error"
	ScanCompleted  Kind = "scan_completed"
	CommitFailed   Kind = "commit_failed"
	StoreError     Kind = "store_error"
)

// AllKinds is used to pre-populate metric label sets.
var AllKinds = []Kind{
	JobDiscovered, JobChanged, JobQueued, JobStarted, JobSucceeded,
	JobRetrying, JobFailed, JobInterrupted, JobRequeued, ClaimLost,
	QueueFull, ScanError, ScanCompleted, CommitFailed, StoreError,
}

// Event is a single structured occurrence in the pipeline.
type Event struct {
	Kind     Kind
	Time     time.Time
	JobID    string
	Path     string
	Attempt  int
	Worker   int
	Duration time.Duration
	// Count is used by aggregate events such as ScanCompleted.
	Count int
	Err   error
}

// Reporter receives pipeline events. Implementations must be safe for
// concurrent use and must not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report calls f(e).
func (f ReporterFunc) Report(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})

type multi []Reporter

func (m multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

// Multi fans an event out to several reporters. Nil reporters are skipped.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Emit stamps the event time if missing and forwards it. A nil reporter is
// treated as Discard.
func Emit(r Reporter, e Event) {
	if r == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.Report(e)
}

// LogReporter renders events through the logging package.
type LogReporter struct{}

// NewLogReporter returns a reporter that writes one log line per event.
func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

// Report implements Reporter.
func (LogReporter) Report(e Event) {
	fields := logging.Fields{"event": string(e.Kind)}
	if e.JobID != "" {
		fields["job"] = e.JobID
	}
	if e.Path != "" {
		fields["path"] = e.Path
	}
	if e.Attempt > 0 {
		fields["attempt"] = e.Attempt
	}
	if e.Worker > 0 {
		fields["worker"] = e.Worker
	}
	if e.Duration > 0 {
		fields["duration"] = e.Duration.Round(time.Millisecond)
	}
	if e.Count > 0 {
		fields["count"] = e.Count
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}

	switch e.Kind {
	case JobFailed, StoreError, CommitFailed:
		logging.Error("%s", fields)
	case JobRetrying, JobInterrupted, ScanError, QueueFull:
		logging.Warn("%s", fields)
	case JobSucceeded, JobDiscovered, JobChanged, JobRequeued:
		logging.Info("%s", fields)
	default:
		logging.Debug("%s", fields)
	}
}

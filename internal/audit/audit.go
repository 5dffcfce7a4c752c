// Package audit durably records security-relevant actions and republishes
// them as domain events. Recording never fails the operation being audited:
// store and sink errors are logged locally and swallowed.
package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reservia.org/internal/ids"
	"reservia.org/internal/obs"
	"reservia.org/internal/stream"
)

// Action classifies an audited operation.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionView         Action = "VIEW"
	ActionAccess       Action = "ACCESS"
	ActionLogin        Action = "LOGIN"
	ActionLogout       Action = "LOGOUT"
	ActionUnauthorized Action = "UNAUTHORIZED_ACCESS"
)

// Status reports the outcome of the audited operation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Entry is an immutable append-only audit record.
type Entry struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id,omitempty"`
	Action          Action         `json:"action"`
	Resource        string         `json:"resource"`
	Method          string         `json:"method,omitempty"`
	RequestPath     string         `json:"request_path,omitempty"`
	SourceIP        string         `json:"source_ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	Status          Status         `json:"status"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Changes         map[string]any `json:"changes,omitempty"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Store persists entries and serves the read paths.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)
	ListByResource(ctx context.Context, resource string, limit int) ([]Entry, error)
	ListFailuresSince(ctx context.Context, since time.Time, limit int) ([]Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder persists entries first, then hands the event to a buffered async
// dispatcher feeding the stream. The primary operation's outcome never
// depends on either step.
type Recorder struct {
	store     Store
	events    *stream.Stream
	retention time.Duration
	now       func() time.Time

	ch        chan stream.SecurityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithRetention overrides the retention window used by Sweep.
func WithRetention(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithBuffer sizes the dispatch channel.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan stream.SecurityEvent, n)
		}
	}
}

const defaultRetention = 90 * 24 * time.Hour

// NewRecorder constructs the pipeline and starts its dispatch goroutine.
func NewRecorder(store Store, events *stream.Stream, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		events:    events,
		retention: defaultRetention,
		now:       time.Now,
		ch:        make(chan stream.SecurityEvent, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case evt := <-r.ch:
			r.events.Publish(evt)
		case <-r.done:
			for {
				select {
				case evt := <-r.ch:
					r.events.Publish(evt)
				default:
					return
				}
			}
		}
	}
}

// Record persists the entry, then emits the domain event asynchronously. All
// failures are logged locally; none propagate to the caller.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}

	if err := r.store.Append(ctx, &entry); err != nil {
		obs.LogEvent("error", "audit append failed", map[string]any{
			"action":   string(entry.Action),
			"resource": entry.Resource,
			"user_id":  entry.UserID,
			"error":    err.Error(),
		})
		// The event is still published: consumers tolerate at-most-once
		// durability better than silence on security failures.
	}

	r.emit(eventFromEntry(entry))
	if entry.Status == StatusFailed {
		evt := eventFromEntry(entry)
		evt.Type = "audit.unauthorized_attempt"
		r.emit(evt)
	}
}

func (r *Recorder) emit(evt stream.SecurityEvent) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.ch <- evt:
	default:
		r.dropped.Add(1)
		obs.ObserveAuditDropped()
	}
}

func eventFromEntry(entry Entry) stream.SecurityEvent {
	fields := map[string]string{}
	if entry.Method != "" {
		fields["method"] = entry.Method
	}
	if entry.RequestPath != "" {
		fields["path"] = entry.RequestPath
	}
	if entry.SourceIP != "" {
		fields["source_ip"] = entry.SourceIP
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	return stream.SecurityEvent{
		Type:      "audit." + strings.ToLower(string(entry.Action)),
		UserID:    entry.UserID,
		Resource:  entry.Resource,
		Status:    string(entry.Status),
		Fields:    fields,
		Timestamp: entry.Timestamp,
	}
}

// Dropped reports how many events were lost on a saturated dispatcher.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// ByUser returns recent entries for a user, newest first.
func (r *Recorder) ByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	return r.store.ListByUser(ctx, userID, normalizeLimit(limit))
}

// ByResource returns recent entries for a resource, newest first.
func (r *Recorder) ByResource(ctx context.Context, resource string, limit int) ([]Entry, error) {
	return r.store.ListByResource(ctx, resource, normalizeLimit(limit))
}

// RecentFailures returns FAILED entries within the window, newest first.
func (r *Recorder) RecentFailures(ctx context.Context, window time.Duration, limit int) ([]Entry, error) {
	since := r.now().UTC().Add(-window)
	return r.store.ListFailuresSince(ctx, since, normalizeLimit(limit))
}

// Sweep deletes entries older than the retention window and reports the count.
func (r *Recorder) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.retention)
	deleted, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		obs.LogEvent("info", "audit retention sweep", map[string]any{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return deleted, nil
}

// RunSweeper runs Sweep on the interval until the context ends.
func (r *Recorder) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				obs.LogEvent("error", "audit sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Close drains the dispatcher.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dito/httpproxy"
	"dito/logging"
)

// Sink delivers batches of records to an external store. RedisSink is
// the only implementation wired in by default (DESIGN.md decision 6);
// tests use a stub.
type Sink interface {
	Flush(ctx context.Context, records []Record) error
}

const (
	queueCapacity = 4096
	batchSize     = 2000
	flushInterval = 5 * time.Second

	// pendingCapacity bounds the unflushed batch while the sink is
	// unavailable, mirroring the ingest queue's drop-oldest behavior
	// instead of growing without limit.
	pendingCapacity = 20000
)

// Recorder implements httpproxy.Observer, fanning completed requests
// out to per-listener time-series tables, the structured logger, and
// a batched sink. Grounded on spec §4.L; the bounded channel plus
// drop-oldest-and-count behavior mirrors the original's queue
// overflow handling without porting its SQLite persistence.
type Recorder struct {
	Logger *slog.Logger
	Sink   Sink

	mu        sync.Mutex
	listeners map[string]*Listener

	queue   chan Record
	pending []Record
	pmu     sync.Mutex

	dropped     uint64
	sinkDropped uint64

	rmu    sync.Mutex
	recent []Record

	done chan struct{}
}

// recentCapacity bounds the in-memory ring query_request_logs/get_logs
// read from, independent of the flush-to-sink batching.
const recentCapacity = 2000

// NewRecorder starts the background aggregation and flush workers.
// Callers must call Close when the process shuts down.
func NewRecorder(logger *slog.Logger, sink Sink) *Recorder {
	if logger == nil {
		logger = logging.GetLogger()
	}
	r := &Recorder{
		Logger:    logger,
		Sink:      sink,
		listeners: make(map[string]*Listener),
		queue:     make(chan Record, queueCapacity),
		done:      make(chan struct{}),
	}
	go r.aggregateLoop()
	go r.flushLoop()
	return r
}

// Observe implements httpproxy.Observer. Called synchronously on the
// request-handling goroutine, so it never blocks: the queue is
// bounded and overflow drops the oldest record rather than the
// request itself. The listen rule id doubles as the listener key
// since httpproxy.Record carries no separate listener field.
func (r *Recorder) Observe(hr httpproxy.Record) {
	r.ObserveListener(hr.RuleID, hr)
}

// ObserveListener is the full entry point, letting callers attach the
// listener key the plain Observer interface doesn't carry.
func (r *Recorder) ObserveListener(listener string, hr httpproxy.Record) {
	rec := FromHTTP(listener, hr)
	select {
	case r.queue <- rec:
	default:
		// Queue full: drop the oldest entry to make room, counting the
		// loss instead of blocking the request path.
		select {
		case <-r.queue:
			r.dropped++
			queueDropped.Inc()
		default:
		}
		select {
		case r.queue <- rec:
		default:
			r.dropped++
			queueDropped.Inc()
		}
	}
}

// Dropped reports how many records were discarded due to queue
// overflow since startup.
func (r *Recorder) Dropped() uint64 {
	return r.dropped
}

// SinkDropped reports how many records were discarded because the
// sink stayed unavailable long enough to exceed pendingCapacity.
func (r *Recorder) SinkDropped() uint64 {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return r.sinkDropped
}

func (r *Recorder) aggregateLoop() {
	for {
		select {
		case rec := <-r.queue:
			r.aggregate(rec)
		case <-r.done:
			return
		}
	}
}

func (r *Recorder) aggregate(rec Record) {
	logging.LogRequestRecord(r.Logger, httpproxy.Record{
		RuleID: rec.Listener, RouteID: rec.RouteID, Method: rec.Method, Path: rec.Path,
		RemoteAddr: rec.ClientIP, StatusCode: rec.Status, BytesIn: rec.BytesIn, BytesOut: rec.BytesOut,
		Duration: time.Duration(rec.LatencyMs * float64(time.Millisecond)), UpstreamAddr: rec.Upstream,
	})

	recordHTTPRequest(rec)

	r.mu.Lock()
	table, ok := r.listeners[rec.Listener]
	if !ok {
		table = newListenerTable()
		r.listeners[rec.Listener] = table
	}
	r.mu.Unlock()
	table.observe(rec)

	r.pmu.Lock()
	r.pending = append(r.pending, rec)
	r.pmu.Unlock()

	r.rmu.Lock()
	r.recent = append(r.recent, rec)
	if len(r.recent) > recentCapacity {
		r.recent = r.recent[len(r.recent)-recentCapacity:]
	}
	r.rmu.Unlock()
}

// RecentFilter narrows RecentRecords to the fields query_request_logs
// (spec §6) can filter on.
type RecentFilter struct {
	Listener string
	ClientIP string
	Path     string
	Status   int
	Upstream string
	Since    time.Time
	Until    time.Time
}

func (f RecentFilter) matches(r Record) bool {
	if f.Listener != "" && r.Listener != f.Listener {
		return false
	}
	if f.ClientIP != "" && r.ClientIP != f.ClientIP {
		return false
	}
	if f.Path != "" && r.Path != f.Path {
		return false
	}
	if f.Status != 0 && r.Status != f.Status {
		return false
	}
	if f.Upstream != "" && r.Upstream != f.Upstream {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// RecentRecords returns the subset of the recent-records ring
// matching filter, most recent last, paginated by page/pageSize
// (1-indexed page; pageSize<=0 means no pagination).
func (r *Recorder) RecentRecords(filter RecentFilter, page, pageSize int) []Record {
	r.rmu.Lock()
	snapshot := make([]Record, len(r.recent))
	copy(snapshot, r.recent)
	r.rmu.Unlock()

	var matched []Record
	for _, rec := range snapshot {
		if filter.matches(rec) {
			matched = append(matched, rec)
		}
	}
	if pageSize <= 0 {
		return matched
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end]
}

// ClearRecent empties the recent-records ring, implementing clear_logs.
func (r *Recorder) ClearRecent() {
	r.rmu.Lock()
	r.recent = nil
	r.rmu.Unlock()
}

func (r *Recorder) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flushPending()
		case <-r.done:
			r.flushPending()
			return
		}
	}
}

func (r *Recorder) flushPending() {
	r.pmu.Lock()
	if len(r.pending) == 0 {
		r.pmu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.pmu.Unlock()

	if r.Sink == nil {
		return
	}

	var unsent []Record
	for len(batch) > 0 {
		n := batchSize
		if n > len(batch) {
			n = len(batch)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.Sink.Flush(ctx, batch[:n])
		cancel()
		if err != nil {
			r.Logger.Warn("observer sink flush failed", slog.String("error", err.Error()), slog.Int("batch_size", n))
			unsent = append(unsent, batch[:n]...)
		}
		batch = batch[n:]
	}
	if len(unsent) == 0 {
		return
	}

	// Sink still unavailable: requeue the unsent records ahead of
	// whatever aggregate() appended meanwhile, dropping the oldest
	// once the bound is hit rather than growing without limit.
	r.pmu.Lock()
	r.pending = append(unsent, r.pending...)
	if over := len(r.pending) - pendingCapacity; over > 0 {
		r.pending = r.pending[over:]
		r.sinkDropped += uint64(over)
		sinkDropped.Add(float64(over))
	}
	r.pmu.Unlock()
}

// Snapshot returns the current aggregated view for one listener, or a
// zero Snapshot if nothing has been observed for it yet.
func (r *Recorder) Snapshot(listener string) Snapshot {
	r.mu.Lock()
	table, ok := r.listeners[listener]
	r.mu.Unlock()
	if !ok {
		return Snapshot{Second: Summary{Counts: map[string]int64{}}, Minute: Summary{Counts: map[string]int64{}}}
	}
	return table.snapshot()
}

// Close stops the background workers, flushing anything pending.
func (r *Recorder) Close() {
	close(r.done)
}

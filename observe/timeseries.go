package observe

import (
	"hash/fnv"
	"sync"
	"time"
)

// Window sizes mirror the original implementation's realtime metrics
// tables (original_source/src/metrics.rs): 12h of second-granularity
// history, 24h of minute-granularity history. Shard count matches its
// FNV-1a hash sharding, splitting lock contention across listeners
// with many concurrent requests.
const (
	secondWindowCapacity = 43200
	minuteWindowCapacity = 1440
	shardCount           = 64
	reservoirCapacity    = 1000
	topKSize             = 10
)

// bucket aggregates every record observed in one granularity slot.
type bucket struct {
	slot        int64 // unix time truncated to the bucket's granularity
	classCounts map[string]int64
	totalLatMs  float64
	maxLatMs    float64
	count       int64
}

func newBucket(slot int64) *bucket {
	return &bucket{slot: slot, classCounts: make(map[string]int64, 5)}
}

func (b *bucket) add(rec Record) {
	b.classCounts[rec.StatusClass()]++
	b.totalLatMs += rec.LatencyMs
	if rec.LatencyMs > b.maxLatMs {
		b.maxLatMs = rec.LatencyMs
	}
	b.count++
}

// ring is a fixed-capacity circular buffer of buckets keyed by time
// slot, overwriting the oldest slot once full rather than growing
// unbounded -- spec §4.L's "bounded to a rolling window".
type ring struct {
	granularity time.Duration
	capacity    int64
	buckets     map[int64]*bucket
	mu          sync.Mutex
}

func newRing(granularity time.Duration, capacity int64) *ring {
	return &ring{granularity: granularity, capacity: capacity, buckets: make(map[int64]*bucket)}
}

func (r *ring) slotFor(t time.Time) int64 {
	return t.Unix() / int64(r.granularity/time.Second)
}

func (r *ring) add(t time.Time, rec Record) {
	slot := r.slotFor(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[slot]
	if !ok {
		b = newBucket(slot)
		r.buckets[slot] = b
		r.evictOlderThan(slot)
	}
	b.add(rec)
}

// evictOlderThan drops buckets that fell out of the rolling window,
// called while already holding r.mu.
func (r *ring) evictOlderThan(newest int64) {
	if len(r.buckets) <= int(r.capacity) {
		return
	}
	cutoff := newest - r.capacity
	for slot := range r.buckets {
		if slot < cutoff {
			delete(r.buckets, slot)
		}
	}
}

// Summary aggregates every live bucket in the ring into one snapshot,
// for the Control API's query_historical_metrics call.
type Summary struct {
	Counts      map[string]int64
	AvgLatencyMs float64
	MaxLatencyMs float64
	Count       int64
}

func (r *ring) summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Summary{Counts: make(map[string]int64, 5)}
	var totalLat float64
	for _, b := range r.buckets {
		for class, n := range b.classCounts {
			out.Counts[class] += n
		}
		totalLat += b.totalLatMs
		out.Count += b.count
		if b.maxLatMs > out.MaxLatencyMs {
			out.MaxLatencyMs = b.maxLatMs
		}
	}
	if out.Count > 0 {
		out.AvgLatencyMs = totalLat / float64(out.Count)
	}
	return out
}

// topK tracks the highest-count keys seen, used for the route and
// upstream-error counters spec §4.L calls for.
type topK struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newTopK() *topK { return &topK{counts: make(map[string]int64)} }

func (t *topK) inc(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	t.counts[key]++
	t.mu.Unlock()
}

// top returns up to n keys ordered by descending count.
func (t *topK) top(n int) []KeyCount {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]KeyCount, 0, len(t.counts))
	for k, v := range t.counts {
		out = append(out, KeyCount{Key: k, Count: v})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Count > out[j-1].Count; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// KeyCount is one entry in a top-K snapshot.
type KeyCount struct {
	Key   string
	Count int64
}

// shard owns one slice of a listener's tables, sharded by record id
// to spread lock contention the way the original's REALTIME_SHARDS
// hashing does.
type shard struct {
	seconds         *ring
	minutes         *ring
	latency         *reservoir
	routes          *topK
	upstreamErrors  *topK
}

func newShard() *shard {
	return &shard{
		seconds: newRing(time.Second, secondWindowCapacity),
		minutes: newRing(time.Minute, minuteWindowCapacity),
		latency: newReservoir(reservoirCapacity),
		routes:  newTopK(),
		upstreamErrors: newTopK(),
	}
}

// Listener is one proxy listener's full time-series table: sharded
// second/minute windows, per-shard latency reservoirs merged at
// snapshot time for percentiles, and top-K route/upstream-error
// counters.
type Listener struct {
	shards [shardCount]*shard
}

func newListenerTable() *Listener {
	l := &Listener{}
	for i := range l.shards {
		l.shards[i] = newShard()
	}
	return l
}

func shardIndex(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % shardCount)
}

func (l *Listener) observe(rec Record) {
	s := l.shards[shardIndex(rec.ID)]
	s.seconds.add(rec.Timestamp, rec)
	s.minutes.add(rec.Timestamp, rec)
	s.latency.add(rec.LatencyMs)
	s.routes.inc(rec.RouteID)
	if rec.Status >= 500 || rec.Status == 0 {
		s.upstreamErrors.inc(rec.Upstream)
	}
}

// Snapshot is the merged view across all shards, returned by the
// Control API's query_historical_metrics.
type Snapshot struct {
	Second          Summary
	Minute          Summary
	P95LatencyMs    float64
	P99LatencyMs    float64
	TopRoutes       []KeyCount
	TopUpstreamErrs []KeyCount
}

func (l *Listener) snapshot() Snapshot {
	var sec, min Summary
	sec.Counts = make(map[string]int64, 5)
	min.Counts = make(map[string]int64, 5)
	var latencies []float64
	routeCounts := make(map[string]int64)
	errCounts := make(map[string]int64)

	for _, s := range l.shards {
		ss := s.seconds.summary()
		ms := s.minutes.summary()
		mergeSummary(&sec, ss)
		mergeSummary(&min, ms)
		latencies = append(latencies, s.latency.snapshotItems()...)
		for _, kc := range s.routes.top(topKSize) {
			routeCounts[kc.Key] += kc.Count
		}
		for _, kc := range s.upstreamErrors.top(topKSize) {
			errCounts[kc.Key] += kc.Count
		}
	}

	merged := newReservoir(len(latencies) + 1)
	merged.items = latencies
	merged.seen = int64(len(latencies))

	return Snapshot{
		Second:          sec,
		Minute:          min,
		P95LatencyMs:    merged.percentile(95),
		P99LatencyMs:    merged.percentile(99),
		TopRoutes:       sortedTopN(routeCounts, topKSize),
		TopUpstreamErrs: sortedTopN(errCounts, topKSize),
	}
}

func mergeSummary(dst *Summary, src Summary) {
	for class, n := range src.Counts {
		dst.Counts[class] += n
	}
	dst.Count += src.Count
	if src.MaxLatencyMs > dst.MaxLatencyMs {
		dst.MaxLatencyMs = src.MaxLatencyMs
	}
	dst.AvgLatencyMs = weightedAvg(dst.AvgLatencyMs, dst.Count-src.Count, src.AvgLatencyMs, src.Count)
}

func weightedAvg(a float64, aN int64, b float64, bN int64) float64 {
	total := aN + bN
	if total <= 0 {
		return 0
	}
	return (a*float64(aN) + b*float64(bN)) / float64(total)
}

func sortedTopN(counts map[string]int64, n int) []KeyCount {
	t := &topK{counts: counts}
	return t.top(n)
}

// Package observe implements spec §4.L: it receives per-request
// records from the HTTP engine (the WS and Stream engines have no
// Observer hook), maintains rolling
// second/minute time-series with percentile reservoirs per listener,
// renders structured log lines, exposes Prometheus metrics, and
// batches records to an external sink with a bounded drop-oldest
// queue when that sink is unavailable. Grounded on the teacher's
// logging/logging.go and metrics/metrics.go for the ambient pieces,
// and original_source/src/metrics.rs for the second/minute
// time-series shape (its sqlite persistence is replaced by the
// Redis-backed fallback queue per DESIGN.md decision 6).
package observe

import (
	"time"

	"github.com/google/uuid"

	"dito/httpproxy"
)

// Record is the normalized per-request observation spec §4.L
// describes, built from httpproxy.Record (and the WS/Stream engines'
// equivalents once they grow an Observer hook of their own).
type Record struct {
	ID         string
	Timestamp  time.Time
	Listener   string
	ClientIP   string
	PeerIP     string
	Method     string
	Host       string
	Path       string
	Status     int
	Upstream   string
	RouteID    string
	LatencyMs  float64
	BytesIn    int64
	BytesOut   int64
	UserAgent  string
	Referer    string
}

// FromHTTP adapts an httpproxy.Record into the Observer's Record
// shape, stamping a fresh id.
func FromHTTP(listener string, r httpproxy.Record) Record {
	return Record{
		ID:        uuid.New().String(),
		Timestamp: r.Timestamp,
		Listener:  listener,
		ClientIP:  r.RemoteAddr,
		PeerIP:    r.RemoteAddr,
		Method:    r.Method,
		Path:      r.Path,
		Status:    r.StatusCode,
		Upstream:  r.UpstreamAddr,
		RouteID:   r.RouteID,
		LatencyMs: float64(r.Duration) / float64(time.Millisecond),
		BytesIn:   r.BytesIn,
		BytesOut:  r.BytesOut,
	}
}

// StatusClass buckets Status into spec §4.L's five counter classes.
func (r Record) StatusClass() string {
	switch {
	case r.Status == 0:
		return "err"
	case r.Status < 300:
		return "2xx"
	case r.Status < 400:
		return "3xx"
	case r.Status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

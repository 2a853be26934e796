// Package writer provides a buffering http.ResponseWriter used by the
// HTTP Proxy Engine to inspect and optionally transform a response
// before it reaches the client, while enforcing the configured
// max_response_body cap. Grounded on the teacher's writer.go, adapted
// to fail hard with direrr.PayloadTooLarge on overflow (spec §8's
// boundary test: "Exactly max_request_body bytes succeed; one more
// yields PayloadTooLarge") instead of the teacher's silent
// truncate-and-200 behavior.
package writer

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"dito/direrr"
)

const (
	// StreamingThreshold is the point at which buffering is abandoned
	// in favor of pass-through streaming, independent of the hard cap.
	StreamingThreshold = 512 * 1024
)

var noBufferContentTypes = []string{
	"image/", "video/", "audio/",
	"application/octet-stream", "application/pdf", "application/zip",
}

// ResponseWriter wraps http.ResponseWriter, buffering the body (up to
// StreamingThreshold) for transformation while enforcing maxBodySize.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BodyBuffer   *LimitedBuffer
	BytesWritten int64

	streamingMode bool
	shouldBuffer  bool
	contentType   string
	maxBodySize   int64
	overflowErr   error

	writeHeaderOnce sync.Once
	headerMu        sync.Mutex
}

// WriterOption customizes a ResponseWriter at construction.
type WriterOption func(*ResponseWriter)

// WithBuffering enables or disables body buffering outright.
func WithBuffering(enabled bool) WriterOption {
	return func(rw *ResponseWriter) { rw.shouldBuffer = enabled }
}

// WithMaxResponseBodySize sets the hard cap (0 = unlimited).
func WithMaxResponseBodySize(size int64) WriterOption {
	return func(rw *ResponseWriter) { rw.maxBodySize = size }
}

// NewResponseWriter wraps w, applying opts.
func NewResponseWriter(w http.ResponseWriter, opts ...WriterOption) *ResponseWriter {
	rw := &ResponseWriter{
		ResponseWriter: w,
		shouldBuffer:   true,
	}
	for _, opt := range opts {
		opt(rw)
	}
	bufCap := StreamingThreshold
	if rw.maxBodySize > 0 && rw.maxBodySize < int64(bufCap) {
		bufCap = int(rw.maxBodySize)
	}
	rw.BodyBuffer = NewLimitedBuffer(bufCap)
	return rw
}

// WriteHeader captures the status and decides the buffering strategy
// based on Content-Type, once.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.writeHeaderOnce.Do(func() {
		rw.headerMu.Lock()
		rw.StatusCode = statusCode
		rw.contentType = rw.Header().Get("Content-Type")
		rw.headerMu.Unlock()

		if rw.shouldBuffer && !shouldBufferContentType(rw.contentType) {
			rw.shouldBuffer = false
		}
		rw.ResponseWriter.WriteHeader(statusCode)
	})
}

func shouldBufferContentType(contentType string) bool {
	for _, prefix := range noBufferContentTypes {
		if strings.HasPrefix(contentType, prefix) {
			return false
		}
	}
	return true
}

// Write enforces maxBodySize, returning direrr.PayloadTooLarge the
// instant the cap would be exceeded, and otherwise mirrors bytes into
// the transform buffer until StreamingThreshold is reached.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}

	if rw.overflowErr != nil {
		return 0, rw.overflowErr
	}

	if rw.maxBodySize > 0 {
		total := atomic.LoadInt64(&rw.BytesWritten) + int64(len(b))
		if total > rw.maxBodySize {
			rw.overflowErr = &direrr.PayloadTooLarge{Limit: rw.maxBodySize}
			return 0, rw.overflowErr
		}
	}

	n, err := rw.ResponseWriter.Write(b)
	atomic.AddInt64(&rw.BytesWritten, int64(n))

	if rw.shouldBuffer && !rw.streamingMode {
		if rw.BodyBuffer.Len()+n > StreamingThreshold {
			rw.streamingMode = true
		} else {
			rw.BodyBuffer.Write(b[:n])
		}
	}
	return n, err
}

// HeadersWritten reports whether WriteHeader has run.
func (rw *ResponseWriter) HeadersWritten() bool {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	return rw.StatusCode != 0
}

// Hijack satisfies http.Hijacker, needed for WebSocket upgrades that
// pass through this writer before the protocol switches.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

// Flush satisfies http.Flusher, writing headers first if needed.
func (rw *ResponseWriter) Flush() {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// ResponseMetrics summarizes a completed response for the Observer.
type ResponseMetrics struct {
	StatusCode        int
	BytesWritten      int64
	BufferedBytes     int
	IsStreaming       bool
	IsBufferTruncated bool
	ContentType       string
}

// GetMetrics snapshots the writer's state for an observation record.
func (rw *ResponseWriter) GetMetrics() ResponseMetrics {
	rw.headerMu.Lock()
	status, ct := rw.StatusCode, rw.contentType
	rw.headerMu.Unlock()

	bufLen := 0
	if rw.BodyBuffer != nil {
		bufLen = rw.BodyBuffer.Len()
	}
	written := atomic.LoadInt64(&rw.BytesWritten)
	return ResponseMetrics{
		StatusCode:        status,
		BytesWritten:      written,
		BufferedBytes:     bufLen,
		IsStreaming:       rw.streamingMode,
		IsBufferTruncated: !rw.streamingMode && int64(bufLen) < written,
		ContentType:       ct,
	}
}

// GetBufferedBody returns the buffered portion of the response body,
// for components (the Body Transformer) that need to inspect bytes
// already sent through to the client's buffer.
func (rw *ResponseWriter) GetBufferedBody() []byte {
	if rw.BodyBuffer == nil {
		return nil
	}
	return rw.BodyBuffer.Bytes()
}

// GetBufferedBodyString is a convenience wrapper over GetBufferedBody
// for log formatting call sites.
func (rw *ResponseWriter) GetBufferedBodyString() string {
	return string(rw.GetBufferedBody())
}

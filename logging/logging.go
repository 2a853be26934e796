// Package logging builds the process-wide structured logger and a
// small set of styled renderers for the per-request records the
// Observer collects. Grounded on the teacher's logging/logging.go
// (tint handler + fatih/color styling), generalized from direct
// per-request call sites inside HTTP middleware to formatters driven
// by httpproxy.Record and writer.ResponseMetrics, since this pipeline
// centralizes observation in package observe rather than logging
// inline at each handler.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"

	"dito/httpproxy"
	"dito/writer"
)

var logger *slog.Logger

var (
	methodStyle  = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()
	routeStyle   = color.New(color.FgHiWhite, color.BgHiCyan).SprintFunc()
	statusOK     = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()
	statusWarn   = color.New(color.FgHiWhite, color.BgYellow).SprintFunc()
	statusErr    = color.New(color.FgHiWhite, color.BgRed).SprintFunc()
	detailStyle  = color.New(color.FgHiWhite, color.BgRed).SprintFunc()
	warningStyle = color.New(color.FgHiWhite, color.BgMagenta).SprintFunc()
)

// InitializeLogger builds the process logger at the given level
// ("debug", "info", "warn", "error"), using tint for colorized,
// single-line console output.
func InitializeLogger(level string) *slog.Logger {
	levelVar := new(slog.LevelVar)
	switch level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: levelVar})
	logger = slog.New(handler)
	return logger
}

// GetLogger returns the process logger, initializing a default one on
// first use so call sites never need a nil check.
func GetLogger() *slog.Logger {
	if logger == nil {
		logger = InitializeLogger("info")
	}
	return logger
}

func statusStyle(status int) func(a ...interface{}) string {
	switch {
	case status >= 500:
		return statusErr
	case status >= 400:
		return statusWarn
	default:
		return statusOK
	}
}

// LogRequestRecord renders one completed-request Record as a
// structured log line with a colorized summary, mirroring the
// teacher's LogRequestCompact but sourced from the Observer's Record
// instead of a raw *http.Request/ResponseWriter pair.
func LogRequestRecord(logger *slog.Logger, rec httpproxy.Record) {
	if logger == nil {
		logger = GetLogger()
	}
	summary := fmt.Sprintf("%s %s -> %s", methodStyle(rec.Method), routeStyle(rec.Path), statusStyle(rec.StatusCode)(rec.StatusCode))

	attrs := []any{
		slog.String("rule_id", rec.RuleID),
		slog.String("route_id", rec.RouteID),
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.String("remote_addr", rec.RemoteAddr),
		slog.Int("status_code", rec.StatusCode),
		slog.Int64("bytes_in", rec.BytesIn),
		slog.Int64("bytes_out", rec.BytesOut),
		slog.Float64("duration_seconds", rec.Duration.Seconds()),
		slog.String("upstream_addr", rec.UpstreamAddr),
		slog.String("summary", summary),
	}

	if rec.Err != nil {
		attrs = append(attrs, slog.String("error", rec.Err.Error()))
		logger.Error("request failed", attrs...)
		return
	}
	switch {
	case rec.StatusCode >= 500:
		logger.Error("request completed", attrs...)
	case rec.StatusCode >= 400:
		logger.Warn("request completed", attrs...)
	default:
		logger.Info("request completed", attrs...)
	}
}

// LogVerboseResponse dumps the buffered response body and headers at
// debug level for deep request tracing. Adapted from the teacher's
// LogResponse, driven by writer.ResponseMetrics' IsBufferTruncated
// flag instead of a separately tracked truncation bool.
func LogVerboseResponse(logger *slog.Logger, rw *writer.ResponseWriter, path string) {
	if logger == nil {
		logger = GetLogger()
	}
	metrics := rw.GetMetrics()

	var sb strings.Builder
	sb.WriteString(detailStyle("----------- Response Details -----------"))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Path: %s\n", path)
	fmt.Fprintf(&sb, "Status: %d\n", metrics.StatusCode)
	if metrics.ContentType != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\n", metrics.ContentType)
	}
	fmt.Fprintf(&sb, "Bytes written: %d\n", metrics.BytesWritten)

	switch {
	case metrics.IsStreaming:
		sb.WriteString("Body: [streaming mode, not buffered]\n")
	case metrics.IsBufferTruncated:
		fmt.Fprintf(&sb, "%s: body truncated, buffered %d of %d bytes\n", warningStyle("WARNING"), metrics.BufferedBytes, metrics.BytesWritten)
		fmt.Fprintf(&sb, "Body (truncated): %s\n", rw.GetBufferedBodyString())
	default:
		fmt.Fprintf(&sb, "Body: %s\n", rw.GetBufferedBodyString())
	}

	logger.Debug("verbose response details", slog.String("formatted_output", sb.String()))
}

// LogListenerEvent reports a Runtime Supervisor lifecycle transition
// (listener started, crashed, retried), replacing the teacher's
// ad hoc log.Printf calls in cmd/main.go with structured fields.
func LogListenerEvent(logger *slog.Logger, kind, addr, protocol string, err error) {
	if logger == nil {
		logger = GetLogger()
	}
	attrs := []any{
		slog.String("addr", addr),
		slog.String("protocol", protocol),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Error("listener "+kind, attrs...)
		return
	}
	logger.Info("listener "+kind, attrs...)
}

// Package direrr defines the error taxonomy shared by every component of
// the proxy core, so a single stage name always maps to the same HTTP
// status, WS close code, or stream behavior.
package direrr

import (
	"errors"
	"fmt"
)

// Stage identifies where in a request's lifecycle an error originated.
type Stage string

const (
	StageConfig   Stage = "config_invalid"
	StageBind     Stage = "bind_error"
	StageTLS      Stage = "tls_error"
	StageDenied   Stage = "denied"
	StageRoute    Stage = "route_miss"
	StageUpstream Stage = "upstream_unavailable"
	StageTimeout  Stage = "upstream_timeout"
	StagePayload  Stage = "payload_too_large"
	StageCanceled Stage = "canceled"
)

// DeniedReason distinguishes the three ways a request can be denied at
// the head of the pipeline.
type DeniedReason string

const (
	DeniedAccess      DeniedReason = "access"
	DeniedRateLimited DeniedReason = "rate_limited"
	DeniedAuth        DeniedReason = "auth"
)

// TimeoutPhase distinguishes a connect timeout from a read timeout.
type TimeoutPhase string

const (
	TimeoutConnect TimeoutPhase = "connect"
	TimeoutRead    TimeoutPhase = "read"
)

// Error is the common shape every taxonomy member satisfies. Handlers
// recover the concrete stage with errors.As against the pointer types
// below, or by comparing Stage() directly.
type Error interface {
	error
	Stage() Stage
}

// ConfigInvalid reports a validation failure at a dotted config path.
type ConfigInvalid struct {
	Path   string
	Reason string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid at %s: %s", e.Path, e.Reason)
}
func (e *ConfigInvalid) Stage() Stage { return StageConfig }

// BindError reports a listener that failed to bind its socket.
type BindError struct {
	Addr   string
	Reason error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Reason)
}
func (e *BindError) Stage() Stage { return StageBind }
func (e *BindError) Unwrap() error { return e.Reason }

// TlsError reports a handshake failure.
type TlsError struct {
	Reason error
}

func (e *TlsError) Error() string  { return fmt.Sprintf("tls handshake: %v", e.Reason) }
func (e *TlsError) Stage() Stage   { return StageTLS }
func (e *TlsError) Unwrap() error  { return e.Reason }

// Denied reports a request rejected before it reached a route.
type Denied struct {
	Reason DeniedReason
}

func (e *Denied) Error() string { return fmt.Sprintf("denied: %s", e.Reason) }
func (e *Denied) Stage() Stage  { return StageDenied }

// RouteMiss reports that no configured route matched the request.
type RouteMiss struct{}

func (e *RouteMiss) Error() string { return "no matching route" }
func (e *RouteMiss) Stage() Stage  { return StageRoute }

// UpstreamUnavailable reports that every candidate upstream failed.
type UpstreamUnavailable struct {
	AfterRetries int
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream unavailable after %d retries", e.AfterRetries)
}
func (e *UpstreamUnavailable) Stage() Stage { return StageUpstream }

// UpstreamTimeout reports a connect or read deadline exceeded.
type UpstreamTimeout struct {
	Phase TimeoutPhase
}

func (e *UpstreamTimeout) Error() string {
	return fmt.Sprintf("upstream timeout during %s", e.Phase)
}
func (e *UpstreamTimeout) Stage() Stage { return StageTimeout }

// PayloadTooLarge reports a transformer buffer cap exceeded.
type PayloadTooLarge struct {
	Limit int64
}

func (e *PayloadTooLarge) Error() string {
	return fmt.Sprintf("payload exceeds limit of %d bytes", e.Limit)
}
func (e *PayloadTooLarge) Stage() Stage { return StagePayload }

// Canceled reports a request aborted by listener shutdown.
type Canceled struct{}

func (e *Canceled) Error() string { return "canceled" }
func (e *Canceled) Stage() Stage  { return StageCanceled }

// HTTPStatus maps an Error to the status code spec §7 assigns it.
// Non-taxonomy errors map to 0, meaning "not a direrr error".
func HTTPStatus(err error) int {
	var (
		denied    *Denied
		routeMiss *RouteMiss
		upErr     *UpstreamUnavailable
		toErr     *UpstreamTimeout
		tooLarge  *PayloadTooLarge
		tlsErr    *TlsError
	)
	switch {
	case errors.As(err, &denied):
		switch denied.Reason {
		case DeniedRateLimited:
			return 429
		case DeniedAuth:
			return 401
		default:
			return 403
		}
	case errors.As(err, &routeMiss):
		return 404
	case errors.As(err, &upErr):
		return 502
	case errors.As(err, &toErr):
		return 504
	case errors.As(err, &tooLarge):
		return 413
	case errors.As(err, &tlsErr):
		return 0
	}
	return 0
}

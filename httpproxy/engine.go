// Package httpproxy implements spec §4.H: the per-request HTTP
// pipeline from accept through access control, rate limiting, route
// matching, authentication, request/response transformation, and
// upstream forwarding with redirect-following. Grounded on the
// teacher's handlers/handlers.go (DynamicProxyHandler/ServeProxy) and
// transport/transport.go (Caronte), generalized from the teacher's
// single-location match to spec §4.C's full route matcher and from a
// bare httputil.ReverseProxy to the pool/selector/transform
// components built for this spec.
package httpproxy

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"dito/access"
	"dito/config"
	"dito/direrr"
	"dito/pool"
	"dito/ratelimit"
	"dito/routematch"
	"dito/selector"
	"dito/transform"
	"dito/writer"
)

// Observer receives one Record per completed request. Grounded on
// spec §4.L; the concrete implementation lives in package observe,
// kept decoupled here so the proxy engine never depends on how
// observations are persisted.
type Observer interface {
	Observe(Record)
}

// Record is the per-request observation spec §4.L requires.
type Record struct {
	Timestamp    time.Time
	RuleID       string
	RouteID      string
	Method       string
	Path         string
	RemoteAddr   string
	StatusCode   int
	BytesIn      int64
	BytesOut     int64
	Duration     time.Duration
	UpstreamAddr string
	Err          error
}

// UpstreamSelector abstracts the WRR/ring selectors so Engine doesn't
// care which algorithm a route's upstream group uses.
type UpstreamSelector interface {
	Next() (selector.Member, bool)
	MarkFailed(addr string)
}

// EngineConfig is the mutable, per-listener slice of a Config
// snapshot an Engine needs to serve a request. The supervisor
// recomputes one of these on every Apply call and swaps it in via
// Update, so a listener whose (addr, protocol) identity didn't change
// still picks up a new Rule/Limits/Access/Compression without being
// torn down (spec §4.K).
type EngineConfig struct {
	Rule        *config.HTTPRule
	Access      *access.Control
	Limiter     *ratelimit.Limiter
	Limits      config.Limits
	Compression config.Compression

	AllowAllPublic bool
	AllowAllLAN    bool
}

// Engine serves one HTTPRule: a set of listen addresses sharing TLS,
// basic-auth, and rate-limit configuration, and an ordered list of
// routes.
type Engine struct {
	Pool     *pool.Pool
	Selector func(route *config.HTTPRoute) UpstreamSelector
	Observer Observer
	Logger   *slog.Logger

	cfg atomic.Pointer[EngineConfig]
}

// NewEngine builds an Engine serving cfg, reachable immediately
// through ServeHTTP.
func NewEngine(cfg EngineConfig, p *pool.Pool, sel func(route *config.HTTPRoute) UpstreamSelector, observer Observer, logger *slog.Logger) *Engine {
	e := &Engine{Pool: p, Selector: sel, Observer: observer, Logger: logger}
	e.cfg.Store(&cfg)
	return e
}

// Update swaps in cfg as the config every subsequent request sees.
// In-flight requests keep whatever snapshot they already loaded.
func (e *Engine) Update(cfg EngineConfig) {
	e.cfg.Store(&cfg)
}

// ServeHTTP implements the state machine from spec §4.H and §8:
// Accepted → Authorized → Matched → Transformed → UpstreamAcquired →
// Forwarding → Responding → Completed|Failed.
func (e *Engine) ServeHTTP(rawW http.ResponseWriter, r *http.Request) {
	cfg := e.cfg.Load()
	start := time.Now()
	peer := peerAddr(r)
	rec := Record{Timestamp: start, RuleID: cfg.Rule.ID, Method: r.Method, Path: r.URL.Path, RemoteAddr: peer}

	w := writer.NewResponseWriter(rawW, writer.WithMaxResponseBodySize(cfg.Limits.MaxResponseBody))

	defer func() {
		rec.Duration = time.Since(start)
		m := w.GetMetrics()
		if rec.StatusCode == 0 {
			rec.StatusCode = m.StatusCode
		}
		if rec.BytesOut == 0 {
			rec.BytesOut = m.BytesWritten
		}
		if e.Observer != nil {
			e.Observer.Observe(rec)
		}
	}()

	// Authorized: access control then rate limiting.
	if cfg.Access != nil && cfg.Access.Check(peer, cfg.AllowAllPublic, cfg.AllowAllLAN) == access.Deny {
		e.fail(w, &rec, &direrr.Denied{Reason: direrr.DeniedAccess})
		return
	}
	if cfg.Limiter != nil && !cfg.Limiter.Allow(peer) {
		e.fail(w, &rec, &direrr.Denied{Reason: direrr.DeniedRateLimited})
		return
	}

	// Matched.
	match, ok := routematch.Find(cfg.Rule, r)
	if !ok {
		e.fail(w, &rec, &direrr.RouteMiss{})
		return
	}
	route := match.Route
	rec.RouteID = route.ID

	// Basic auth, unless the route opted out.
	if cfg.Rule.BasicAuth != nil && !route.ExcludeBasicAuth {
		if !checkBasicAuth(r, cfg.Rule.BasicAuth) {
			w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
			e.fail(w, &rec, &direrr.Denied{Reason: direrr.DeniedAuth})
			return
		}
		if !cfg.Rule.BasicAuth.Forward {
			r.Header.Del("Authorization")
		}
	}

	vars := transform.Vars{RemoteAddr: peer, Scheme: scheme(r), ExistingXFF: r.Header.Get("X-Forwarded-For")}
	transform.RequestTransform(r, route, vars)
	transform.StripHopByHop(r.Header)

	if route.StaticDir != "" {
		if e.serveStatic(w, r, route, match.MatchedPrefix, &rec) {
			return
		}
	}

	if len(route.Upstreams) == 0 {
		e.fail(w, &rec, &direrr.RouteMiss{})
		return
	}

	e.forward(w, r, route, match.MatchedPrefix, vars, &rec, cfg)
}

func (e *Engine) serveStatic(w http.ResponseWriter, r *http.Request, route *config.HTTPRoute, matchedPrefix string, rec *Record) bool {
	rel := strings.TrimPrefix(r.URL.Path, matchedPrefix)
	candidate := filepath.Join(route.StaticDir, filepath.Clean("/"+rel))
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		http.ServeFile(w, r, candidate)
		rec.StatusCode = http.StatusOK
		return true
	}
	index := filepath.Join(candidate, "index.html")
	if info, err := os.Stat(index); err == nil && !info.IsDir() {
		http.ServeFile(w, r, index)
		rec.StatusCode = http.StatusOK
		return true
	}
	return false
}

// forward picks an upstream member and round-trips the request,
// retrying against up to len(route.Upstreams)-1 other members on
// failure before giving up (spec §4.H, scenario 5 in §8). The request
// body is buffered up front only when a retry is actually possible,
// since a buffered read would otherwise cost every single-upstream
// route nothing is needed for.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, route *config.HTTPRoute, matchedPrefix string, vars transform.Vars, rec *Record, cfg *EngineConfig) {
	sel := e.Selector(route)

	var bodyBytes []byte
	if r.Body != nil && len(route.Upstreams) > 1 {
		buffered, err := transform.ReadBounded(r.Body, cfg.Limits.MaxRequestBody)
		if err != nil {
			e.fail(w, rec, err)
			return
		}
		bodyBytes = buffered
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	maxAttempts := len(route.Upstreams)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var resp *http.Response
	var member selector.Member
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m, ok := sel.Next()
		if !ok {
			break
		}
		member = m
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		got, err := e.roundTrip(r, route, matchedPrefix, member.Addr, cfg)
		if err != nil {
			sel.MarkFailed(member.Addr)
			lastErr = err
			continue
		}
		resp = got
		break
	}

	rec.UpstreamAddr = member.Addr
	if resp == nil {
		if lastErr != nil && isTimeout(lastErr) {
			e.fail(w, rec, &direrr.UpstreamTimeout{Phase: direrr.TimeoutConnect})
		} else {
			e.fail(w, rec, &direrr.UpstreamUnavailable{})
		}
		return
	}
	defer resp.Body.Close()

	if route.FollowRedirects && isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "" {
		resp = e.followRedirects(r, resp, route, matchedPrefix, member.Addr, rec, cfg)
		if resp == nil {
			e.fail(w, rec, &direrr.UpstreamUnavailable{})
			return
		}
		defer resp.Body.Close()
	}

	e.respond(w, resp, route, vars, r.Header.Get("Accept-Encoding"), rec, cfg)
}

func (e *Engine) roundTrip(r *http.Request, route *config.HTTPRoute, matchedPrefix, upstreamAddr string, cfg *EngineConfig) (*http.Response, error) {
	targetPath := r.URL.Path
	if route.ProxyPassPath != "" {
		targetPath = joinPath(route.ProxyPassPath, strings.TrimPrefix(r.URL.Path, matchedPrefix))
	}

	origin := pool.Origin{Scheme: upstreamScheme(route, upstreamAddr), Authority: upstreamAddr}

	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = origin.Scheme
	outReq.URL.Host = origin.Authority
	outReq.URL.Path = targetPath
	// req.Host, not Header["Host"], drives the outgoing request line, so
	// only default it when no set_headers rule already named Host.
	if host := outReq.Header.Get("Host"); host != "" {
		outReq.Host = host
	} else {
		outReq.Host = origin.Authority
	}
	outReq.RequestURI = ""

	if route.RequestBodyReplace != nil && transform.NeedsRequestBodyBuffering(route) && outReq.Body != nil {
		body, err := transform.ReadBounded(outReq.Body, cfg.Limits.MaxRequestBody)
		if err != nil {
			return nil, err
		}
		body = transform.ApplyBodyReplace(body, route.RequestBodyReplace, outReq.Header.Get("Content-Type"))
		outReq.Body = io.NopCloser(strings.NewReader(string(body)))
		outReq.ContentLength = int64(len(body))
	}

	rt := e.Pool.Transport(origin)
	return rt.RoundTrip(outReq)
}

func (e *Engine) followRedirects(r *http.Request, resp *http.Response, route *config.HTTPRoute, matchedPrefix, upstreamAddr string, rec *Record, cfg *EngineConfig) *http.Response {
	const maxHops = 5
	currentScheme := r.URL.Scheme
	for hop := 0; hop < maxHops; hop++ {
		loc := resp.Header.Get("Location")
		if loc == "" || !isRedirect(resp.StatusCode) {
			return resp
		}
		if !sameSchemeFamily(currentScheme, loc) {
			return resp
		}
		resp.Body.Close()

		nextReq := r.Clone(r.Context())
		nextReq.URL.Path = loc
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			nextReq.Body = http.NoBody
			nextReq.ContentLength = 0
			nextReq.Header.Del("Content-Length")
		}
		nextResp, err := e.roundTrip(nextReq, route, matchedPrefix, upstreamAddr, cfg)
		if err != nil {
			return nil
		}
		resp = nextResp
	}
	return resp
}

func (e *Engine) respond(w http.ResponseWriter, resp *http.Response, route *config.HTTPRoute, vars transform.Vars, acceptEncoding string, rec *Record, cfg *EngineConfig) {
	transform.StripHopByHop(resp.Header)

	contentType := resp.Header.Get("Content-Type")
	needsBuffer := transform.NeedsResponseBodyBuffering(route) || cfg.Compression.Enabled

	if !needsBuffer {
		transform.ApplyResponseHeaders(resp.Header, route, vars)
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		n, _ := io.Copy(w, resp.Body)
		rec.StatusCode = resp.StatusCode
		rec.BytesOut = n
		return
	}

	body, err := transform.ReadBounded(resp.Body, cfg.Limits.MaxResponseBody)
	if err != nil {
		e.fail(w, rec, err)
		return
	}
	body = transform.ResponseTransform(resp.Header, body, route, vars, contentType)

	enc := transform.Negotiate(cfg.Compression, acceptEncoding, contentType, resp.Header.Get("Content-Encoding"), len(body))
	if enc != transform.EncodingNone {
		encoded, err := transform.Compress(body, enc, cfg.Compression)
		if err == nil {
			body = encoded
			transform.ApplyEncodingHeader(resp.Header, enc)
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(body)
	rec.StatusCode = resp.StatusCode
	rec.BytesOut = int64(n)
}

func (e *Engine) fail(w http.ResponseWriter, rec *Record, err error) {
	rec.Err = err
	status := direrr.HTTPStatus(err)
	if status == 0 {
		status = http.StatusBadGateway
	}
	rec.StatusCode = status
	http.Error(w, http.StatusText(status), status)
}

func checkBasicAuth(r *http.Request, auth *config.BasicAuth) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == auth.User && pass == auth.Pass
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func isRedirect(status int) bool {
	return status == http.StatusTemporaryRedirect || status == http.StatusPermanentRedirect ||
		status == http.StatusMovedPermanently || status == http.StatusFound || status == http.StatusSeeOther
}

func sameSchemeFamily(a, loc string) bool {
	if strings.HasPrefix(loc, "http://") {
		return a == "http" || a == ""
	}
	if strings.HasPrefix(loc, "https://") {
		return a == "https" || a == ""
	}
	return true
}

// upstreamScheme looks up which configured upstream target addr came
// from, to recover the scheme lost when selector.Member reduced it to
// a bare host:port.
func upstreamScheme(route *config.HTTPRoute, addr string) string {
	for _, u := range route.Upstreams {
		parsed, err := url.Parse(u.URL)
		if err != nil {
			continue
		}
		if parsed.Host == addr {
			if parsed.Scheme == "https" {
				return "https"
			}
			return "http"
		}
	}
	return "http"
}

func joinPath(base, extra string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(extra, "/")
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var _ http.Handler = (*Engine)(nil)

// Package supervisor implements spec §4.K: it consumes published
// Config snapshots, starts every enabled listener in parallel with
// isolated per-listener failure reporting, and on reconfiguration
// computes the minimum diff keyed by (listen_addr, protocol) so
// unaffected listeners are never restarted. Grounded on the teacher's
// app.go (UpdateComponents hot-swap) and cmd/main.go (graceful
// shutdown), generalized from one HTTP server to the full listener
// set spec §2/§3 describe.
package supervisor

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dito/access"
	"dito/config"
	"dito/httpproxy"
	"dito/pool"
	"dito/ratelimit"
	"dito/streamproxy"
	"dito/wsproxy"
)

// Protocol names the transport a listener key identifies.
type Protocol string

const (
	ProtoHTTP   Protocol = "http"
	ProtoWS     Protocol = "ws"
	ProtoStream Protocol = "stream"
)

// ListenerKey identifies one running listener for diffing purposes.
type ListenerKey struct {
	Addr     string
	Protocol Protocol
}

// EventKind names a lifecycle event published on the Supervisor's
// event channel, matching spec §6's control-plane event names.
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventStartError EventKind = "server-start-error"
	EventListenerUp EventKind = "listener_up"
	EventListenerDown EventKind = "listener_down"
)

// Event is published to Events() on every listener state transition.
type Event struct {
	Kind EventKind
	Key  ListenerKey
	Err  error
}

// listenerHandle owns one running listener's lifecycle plus an update
// closure the running engine registers at startup, letting Apply push
// a new Config snapshot into an unchanged (addr, protocol) listener
// without tearing it down (spec §4.K).
type listenerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	update atomic.Pointer[func(any)]
}

// Supervisor owns the set of currently-running listeners and applies
// Config snapshots to them.
type Supervisor struct {
	Logger      *slog.Logger
	Observer    httpproxy.Observer
	Pool        *pool.Pool
	AccessHTTP  *access.Control
	AccessWS    *access.Control
	AccessStream *access.Control

	// AccessStore persists the blacklist outside the process (spec §3);
	// nil means in-memory only.
	AccessStore access.Store

	mu        sync.Mutex
	listeners map[ListenerKey]*listenerHandle
	specs     map[ListenerKey]any
	sel       *selectorCache
	events    chan Event
	state     map[ListenerKey]listenerState
	sweepers  []chan struct{}
}

// accessSweepInterval is the bounded cadence spec.md §4.F's "background
// sweep evicts expired entries" runs at.
const accessSweepInterval = 30 * time.Second

// listenerState is the last known up/error state of one listener key,
// kept independent of s.listeners so it survives a backoff retry loop
// (the handle stays registered across transient failures) and so
// Status() can report spec §6's {up, last_error} shape precisely.
type listenerState struct {
	up        bool
	lastError string
}

// rebuildAccess reconstructs the per-protocol Access controls from
// cfg.Access whenever a new Config is applied, honoring the
// http_enabled/ws_enabled/stream_enabled toggles independently (spec
// §3: "access control is configured once but gates each protocol
// family separately").
func (s *Supervisor) rebuildAccess(cfg config.AccessConfig) {
	s.mu.Lock()
	for _, stop := range s.sweepers {
		close(stop)
	}
	s.sweepers = s.sweepers[:0]

	if cfg.HTTPEnabled {
		s.AccessHTTP = access.New(cfg, s.AccessStore)
		s.startSweeper(s.AccessHTTP)
	} else {
		s.AccessHTTP = nil
	}
	if cfg.WSEnabled {
		s.AccessWS = access.New(cfg, s.AccessStore)
		s.startSweeper(s.AccessWS)
	} else {
		s.AccessWS = nil
	}
	if cfg.StreamEnabled {
		s.AccessStream = access.New(cfg, s.AccessStore)
		s.startSweeper(s.AccessStream)
	} else {
		s.AccessStream = nil
	}
	s.mu.Unlock()
}

// startSweeper launches ctrl's background expiry sweep (spec.md §4.F)
// and registers its stop channel so the next rebuildAccess or Stop
// call shuts it down. Callers hold s.mu.
func (s *Supervisor) startSweeper(ctrl *access.Control) {
	stop := make(chan struct{})
	s.sweepers = append(s.sweepers, stop)
	go ctrl.StartSweeper(accessSweepInterval, stop)
}

// New builds a Supervisor. pool and the three Access controls may be
// nil for components not wired up in a given deployment (e.g.
// stream-only configs never build AccessHTTP).
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Logger:    logger,
		Pool:      pool.New(config.Limits{PoolMaxIdle: 32, PoolIdleTimeoutS: 90}),
		listeners: make(map[ListenerKey]*listenerHandle),
		specs:     make(map[ListenerKey]any),
		sel:       newSelectorCache(),
		events:    make(chan Event, 64),
		state:     make(map[ListenerKey]listenerState),
	}
}

// Events returns the channel lifecycle transitions are published on.
func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Start applies cfg as the initial listener set.
func (s *Supervisor) Start(cfg *config.Config) {
	s.Apply(cfg)
	s.publish(Event{Kind: EventStatus})
}

// Stop tears down every running listener.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	keys := make([]ListenerKey, 0, len(s.listeners))
	for k := range s.listeners {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.stopListener(k)
	}

	s.mu.Lock()
	for _, stop := range s.sweepers {
		close(stop)
	}
	s.sweepers = nil
	s.mu.Unlock()

	s.publish(Event{Kind: EventStatus})
}

// Apply computes the minimum diff between the running listener set
// and the one cfg describes: listeners whose (addr, protocol) key
// disappeared are stopped, newly appeared keys are started, and keys
// present in both sets have the new snapshot handed to the already
// running listener so it's swapped in atomically without a restart
// (spec §4.K).
func (s *Supervisor) Apply(cfg *config.Config) {
	s.rebuildAccess(cfg.Access)
	desired := s.buildDesired(cfg)

	s.mu.Lock()
	var toStop []ListenerKey
	for k := range s.listeners {
		if _, ok := desired[k]; !ok {
			toStop = append(toStop, k)
		}
	}
	var toStart, toUpdate []ListenerKey
	for k := range desired {
		if _, ok := s.listeners[k]; ok {
			toUpdate = append(toUpdate, k)
		} else {
			toStart = append(toStart, k)
		}
	}
	s.mu.Unlock()

	for _, k := range toStop {
		s.stopListener(k)
	}
	for _, k := range toStart {
		s.startListener(k, desired[k])
	}
	for _, k := range toUpdate {
		s.updateListener(k, desired[k])
	}

	s.mu.Lock()
	s.specs = desired
	s.mu.Unlock()
}

// updateListener hands spec to k's already-running listener through
// the update closure it registered at startup. A listener stopped
// concurrently (e.g. by a racing Apply) is simply skipped.
func (s *Supervisor) updateListener(k ListenerKey, spec any) {
	s.mu.Lock()
	h, ok := s.listeners[k]
	s.mu.Unlock()
	if !ok {
		return
	}
	if fn := h.update.Load(); fn != nil {
		(*fn)(spec)
	}
}

// ListenerStatus reports one running listener's key and last known
// up/error state, for spec §6's status() control call.
type ListenerStatus struct {
	Addr      string
	Protocol  Protocol
	Up        bool
	LastError string
}

// Status returns the currently running listener set.
func (s *Supervisor) Status() []ListenerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ListenerStatus, 0, len(s.listeners))
	for k := range s.listeners {
		st := s.state[k]
		out = append(out, ListenerStatus{Addr: k.Addr, Protocol: k.Protocol, Up: st.up, LastError: st.lastError})
	}
	return out
}

// setUp records k as bound and serving, clearing any prior error.
func (s *Supervisor) setUp(k ListenerKey) {
	s.mu.Lock()
	s.state[k] = listenerState{up: true}
	s.mu.Unlock()
}

// setError records k's most recent start/serve failure without
// removing its entry, since runWithBackoff keeps retrying.
func (s *Supervisor) setError(k ListenerKey, err error) {
	s.mu.Lock()
	s.state[k] = listenerState{up: false, lastError: err.Error()}
	s.mu.Unlock()
}

func (s *Supervisor) stopListener(k ListenerKey) {
	s.mu.Lock()
	h, ok := s.listeners[k]
	if ok {
		delete(s.listeners, k)
	}
	delete(s.state, k)
	s.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	s.publish(Event{Kind: EventListenerDown, Key: k})
}

func (s *Supervisor) startListener(k ListenerKey, spec any) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h := &listenerHandle{cancel: cancel, done: done}
	s.mu.Lock()
	s.listeners[k] = h
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.runWithBackoff(ctx, k, h, spec)
	}()
}

// runWithBackoff runs one listener until ctx is canceled, retrying
// transient bind/serve failures with a capped exponential backoff
// (<=30s), isolated from every other listener's failures.
func (s *Supervisor) runWithBackoff(ctx context.Context, k ListenerKey, h *listenerHandle, spec any) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(b, ctx)

	for {
		err := s.runOnce(ctx, k, h, spec)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.setError(k, err)
			s.publish(Event{Kind: EventStartError, Key: k, Err: err})
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		return
	}
}

func (s *Supervisor) runOnce(ctx context.Context, k ListenerKey, h *listenerHandle, spec any) error {
	switch v := spec.(type) {
	case httpListenerSpec:
		return s.runHTTP(ctx, k, h, v)
	case wsListenerSpec:
		return s.runWS(ctx, k, h, v)
	case tcpListenerSpec:
		return s.runTCP(ctx, k, h, v)
	case udpListenerSpec:
		return s.runUDP(ctx, k, h, v)
	}
	return nil
}

// httpEngineConfig builds the httpproxy.EngineConfig snapshot one
// httpListenerSpec describes, rebuilding the rate limiter whenever
// called since Apply has no cheap way to tell an unchanged RateLimit
// block from a changed one.
func (s *Supervisor) httpEngineConfig(spec httpListenerSpec) httpproxy.EngineConfig {
	cfg := httpproxy.EngineConfig{
		Rule:           spec.rule,
		Access:         s.AccessHTTP,
		Limits:         spec.limits,
		Compression:    spec.compression,
		AllowAllPublic: spec.allowAllPublic,
		AllowAllLAN:    spec.allowAllLAN,
	}
	if spec.rule.RateLimit != nil {
		cfg.Limiter = ratelimit.New(spec.rule.RateLimit.RPS, spec.rule.RateLimit.Burst, spec.rule.RateLimit.BanSeconds)
	}
	return cfg
}

func (s *Supervisor) runHTTP(ctx context.Context, k ListenerKey, h *listenerHandle, spec httpListenerSpec) error {
	engine := httpproxy.NewEngine(s.httpEngineConfig(spec), s.Pool, func(route *config.HTTPRoute) httpproxy.UpstreamSelector {
		return s.sel.wrrFor(route.ID, route.Upstreams)
	}, s.Observer, s.Logger)

	update := func(newSpec any) {
		if hs, ok := newSpec.(httpListenerSpec); ok {
			engine.Update(s.httpEngineConfig(hs))
		}
	}
	h.update.Store(&update)

	srv := &http.Server{Addr: k.Addr, Handler: engine}
	if spec.tls != nil {
		cert, err := tls.LoadX509KeyPair(spec.tls.Cert, spec.tls.Key)
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s.serveHTTPUntilCanceled(ctx, k, srv, spec.tls != nil)
}

func (s *Supervisor) wsEngineConfig(spec wsListenerSpec) wsproxy.EngineConfig {
	return wsproxy.EngineConfig{
		Rule:           spec.rule,
		Access:         s.AccessWS,
		AllowAllPublic: spec.allowAllPublic,
		AllowAllLAN:    spec.allowAllLAN,
	}
}

func (s *Supervisor) runWS(ctx context.Context, k ListenerKey, h *listenerHandle, spec wsListenerSpec) error {
	engine := wsproxy.NewEngine(s.wsEngineConfig(spec), s.Logger)

	update := func(newSpec any) {
		if ws, ok := newSpec.(wsListenerSpec); ok {
			engine.Update(s.wsEngineConfig(ws))
		}
	}
	h.update.Store(&update)

	srv := &http.Server{Addr: k.Addr, Handler: engine}
	if spec.tls != nil {
		cert, err := tls.LoadX509KeyPair(spec.tls.Cert, spec.tls.Key)
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s.serveHTTPUntilCanceled(ctx, k, srv, spec.tls != nil)
}

func (s *Supervisor) serveHTTPUntilCanceled(ctx context.Context, k ListenerKey, srv *http.Server, useTLS bool) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	s.setUp(k)
	s.publish(Event{Kind: EventListenerUp, Key: k})
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shCtx)
	}()

	var serveErr error
	if useTLS {
		serveErr = srv.ServeTLS(ln, "", "")
	} else {
		serveErr = srv.Serve(ln)
	}
	if ctx.Err() != nil {
		return nil
	}
	return serveErr
}

func (s *Supervisor) streamServerConfig(spec tcpListenerSpec) streamproxy.ServerConfig {
	return streamproxy.ServerConfig{
		Server:         spec.server,
		Access:         s.AccessStream,
		AllowAllPublic: spec.allowAllPublic,
		AllowAllLAN:    spec.allowAllLAN,
	}
}

func (s *Supervisor) runTCP(ctx context.Context, k ListenerKey, h *listenerHandle, spec tcpListenerSpec) error {
	ln, err := net.Listen("tcp", k.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	s.setUp(k)
	s.publish(Event{Kind: EventListenerUp, Key: k})

	srv := streamproxy.NewTCPServer(s.streamServerConfig(spec), s.sel.ringFor(spec.server.ProxyPass, spec.upstream), s.Logger)
	update := func(newSpec any) {
		if ts, ok := newSpec.(tcpListenerSpec); ok {
			srv.Update(s.streamServerConfig(ts))
		}
	}
	h.update.Store(&update)

	return srv.Serve(ctx, ln)
}

// udpStreamServerConfig mirrors streamServerConfig for udpListenerSpec,
// since the two spec types carry the same fields but aren't the same
// Go type.
func (s *Supervisor) udpStreamServerConfig(spec udpListenerSpec) streamproxy.ServerConfig {
	return streamproxy.ServerConfig{
		Server:         spec.server,
		Access:         s.AccessStream,
		AllowAllPublic: spec.allowAllPublic,
		AllowAllLAN:    spec.allowAllLAN,
	}
}

func (s *Supervisor) runUDP(ctx context.Context, k ListenerKey, h *listenerHandle, spec udpListenerSpec) error {
	addr, err := net.ResolveUDPAddr("udp", k.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.setUp(k)
	s.publish(Event{Kind: EventListenerUp, Key: k})

	srv := streamproxy.NewUDPServer(s.udpStreamServerConfig(spec), s.sel.ringFor(spec.server.ProxyPass, spec.upstream), s.Logger)
	update := func(newSpec any) {
		if us, ok := newSpec.(udpListenerSpec); ok {
			srv.Update(s.udpStreamServerConfig(us))
		}
	}
	h.update.Store(&update)

	return srv.Serve(ctx, conn)
}

// Package wsproxy implements spec §4.I: WebSocket upgrade, route
// matching, bidirectional frame relay, and heartbeat. Grounded on the
// teacher's websocket/websocket.go (HandleWebSocketProxy,
// CopyWebSocketMessages), with periodic PING/PONG heartbeat added —
// present in neither the teacher nor original_source/src/ws_proxy.rs —
// following the same gorilla/websocket idiom the teacher already uses
// for message relay.
package wsproxy

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dito/access"
	"dito/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EngineConfig is the mutable per-listener config an Engine serves,
// held behind an atomic pointer so Update can swap it in without
// restarting the listener (spec §4.K).
type EngineConfig struct {
	Rule   *config.WSRule
	Access *access.Control

	AllowAllPublic bool
	AllowAllLAN    bool
}

// Engine serves one WSRule.
type Engine struct {
	Logger *slog.Logger

	cfg atomic.Pointer[EngineConfig]
}

// NewEngine builds an Engine serving cfg.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	e := &Engine{Logger: logger}
	e.cfg.Store(&cfg)
	return e
}

// Update swaps in cfg as the config every subsequent connection sees.
func (e *Engine) Update(cfg EngineConfig) {
	e.cfg.Store(&cfg)
}

// ServeHTTP upgrades the connection and relays frames to the matched
// route's upstream_url until either side closes.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := e.cfg.Load()
	peer := peerAddr(r)
	if cfg.Access != nil && cfg.Access.Check(peer, cfg.AllowAllPublic, cfg.AllowAllLAN) == access.Deny {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	route, ok := findRoute(cfg.Rule.Routes, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	targetURL := route.UpstreamURL
	if strings.HasPrefix(targetURL, "http://") {
		targetURL = "ws://" + strings.TrimPrefix(targetURL, "http://")
	} else if strings.HasPrefix(targetURL, "https://") {
		targetURL = "wss://" + strings.TrimPrefix(targetURL, "https://")
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Error("websocket upgrade failed", slog.Any("err", err))
		}
		return
	}
	defer clientConn.Close()

	upstreamConn, _, err := websocket.DefaultDialer.Dial(targetURL, nil)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Error("websocket dial upstream failed", slog.Any("err", err))
		}
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unavailable"))
		return
	}
	defer upstreamConn.Close()

	relay(clientConn, upstreamConn, cfg.Rule.PingInterval(), cfg.Rule.PongTimeout(), e.Logger)
}

// relay pumps frames in both directions until one side closes,
// maintaining a heartbeat on the client connection per spec §4.I
// ("Maintains periodic PING ... closes cleanly on PONG timeout").
func relay(client, upstream *websocket.Conn, pingInterval, pongTimeout time.Duration, logger *slog.Logger) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	defer closeBoth()

	client.SetReadDeadline(time.Now().Add(pongTimeout))
	client.SetPongHandler(func(string) error {
		client.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go heartbeat(client, pingInterval, stop, logger)

	done := make(chan struct{}, 2)
	go func() {
		copyMessages(upstream, client, logger)
		done <- struct{}{}
	}()
	go func() {
		copyMessages(client, upstream, logger)
		done <- struct{}{}
	}()
	<-done
}

func heartbeat(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				if logger != nil {
					logger.Debug("websocket ping failed, closing", slog.Any("err", err))
				}
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// copyMessages relays frames from src to dst, forwarding close codes
// verbatim when either side ends the connection.
func copyMessages(src, dst *websocket.Conn, logger *slog.Logger) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text))
			}
			return
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			if logger != nil {
				logger.Debug("websocket relay write failed", slog.Any("err", err))
			}
			return
		}
	}
}

func findRoute(routes []config.WSRoute, path string) (*config.WSRoute, bool) {
	bestIdx := -1
	bestLen := -1
	for i := range routes {
		if strings.HasPrefix(path, routes[i].PathPrefix) && len(routes[i].PathPrefix) > bestLen {
			bestLen = len(routes[i].PathPrefix)
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil, false
	}
	return &routes[bestIdx], true
}

func peerAddr(r *http.Request) string {
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i != -1 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

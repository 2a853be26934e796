// Package streamproxy implements spec §4.J: raw TCP/UDP proxying keyed
// by StreamConfig. Grounded on original_source/src/stream_proxy.rs for
// the accept/splice/session-map shape, reimplemented with Go's
// net.Dial/io.Copy and a dedicated per-session UDP socket (DESIGN.md
// decision 4) instead of the original's broadcast-to-all-sessions
// approximation.
package streamproxy

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"dito/access"
	"dito/config"
	"dito/selector"
)

// UpstreamSelector abstracts selector.Ring, the consistent-hash
// selector used for stream upstreams (DESIGN.md decision 7).
type UpstreamSelector interface {
	Pick(key string) (selector.Member, bool)
	MarkFailed(addr string)
	Count() int
}

// ServerConfig is the mutable per-listener config a TCPServer or
// UDPServer serves, held behind an atomic pointer so Update can swap
// it in without restarting the listener (spec §4.K).
type ServerConfig struct {
	Server config.StreamServer
	Access *access.Control

	AllowAllPublic bool
	AllowAllLAN    bool
}

// TCPServer accepts connections on one StreamServer and splices them
// to the hash-selected upstream member.
type TCPServer struct {
	Selector UpstreamSelector
	Logger   *slog.Logger

	cfg atomic.Pointer[ServerConfig]
}

// NewTCPServer builds a TCPServer serving cfg.
func NewTCPServer(cfg ServerConfig, sel UpstreamSelector, logger *slog.Logger) *TCPServer {
	s := &TCPServer{Selector: sel, Logger: logger}
	s.cfg.Store(&cfg)
	return s
}

// Update swaps in cfg as the config every subsequent connection sees.
func (s *TCPServer) Update(cfg ServerConfig) {
	s.cfg.Store(&cfg)
}

// Serve accepts on ln until it is closed or ctx is canceled.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *TCPServer) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	cfg := s.cfg.Load()
	peer := peerHost(client.RemoteAddr().String())
	if cfg.Access != nil && cfg.Access.Check(peer, cfg.AllowAllPublic, cfg.AllowAllLAN) == access.Deny {
		return
	}

	maxAttempts := s.Selector.Count()
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var upstream net.Conn
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m, ok := s.Selector.Pick(peer)
		if !ok {
			return
		}
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Server.ConnectTimeout())
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", m.Addr)
		cancel()
		if err == nil {
			upstream = conn
			break
		}
		s.Selector.MarkFailed(m.Addr)
		if s.Logger != nil {
			s.Logger.Debug("stream tcp upstream dial failed", slog.String("addr", m.Addr), slog.Any("err", err))
		}
	}
	if upstream == nil {
		return
	}
	defer upstream.Close()

	splice(client, upstream, cfg.Server.IdleTimeout())
}

// splice copies bytes bidirectionally between a and b, resetting each
// side's idle deadline on every successful transfer, closing both
// once either direction ends.
func splice(a, b net.Conn, idleTimeout time.Duration) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		buf := make([]byte, 32*1024)
		for {
			if idleTimeout > 0 {
				src.SetReadDeadline(time.Now().Add(idleTimeout))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go cp(b, a)
	go cp(a, b)
	<-done
	a.Close()
	b.Close()
	<-done
}

func peerHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

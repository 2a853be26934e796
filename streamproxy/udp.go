package streamproxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dito/access"
)

// udpSession tracks one client's dedicated upstream socket, per
// DESIGN.md decision 4: each client gets its own connected UDP socket
// to its selected upstream, rather than the original's
// broadcast-to-every-session-of-that-upstream approximation.
type udpSession struct {
	clientAddr   *net.UDPAddr
	upstreamConn *net.UDPConn
	lastSeen     time.Time
}

// UDPServer relays datagrams between clients and hash-selected
// upstream members, maintaining one dedicated socket per client
// session in an LRU-bounded, idle-evicted table.
type UDPServer struct {
	Selector UpstreamSelector
	Logger   *slog.Logger

	cfg atomic.Pointer[ServerConfig]

	mu       sync.Mutex
	sessions *lru.Cache[string, *udpSession]
}

const maxUDPSessions = 4096

// NewUDPServer builds a UDPServer serving cfg.
func NewUDPServer(cfg ServerConfig, sel UpstreamSelector, logger *slog.Logger) *UDPServer {
	s := &UDPServer{Selector: sel, Logger: logger}
	s.cfg.Store(&cfg)
	return s
}

// Update swaps in cfg as the config every subsequent datagram sees.
func (s *UDPServer) Update(cfg ServerConfig) {
	s.cfg.Store(&cfg)
}

// Serve reads datagrams from conn, routing each client's traffic to
// its dedicated upstream socket, until ctx is canceled.
func (s *UDPServer) Serve(ctx context.Context, conn *net.UDPConn) error {
	var err error
	s.sessions, err = lru.NewWithEvict(maxUDPSessions, func(_ string, sess *udpSession) {
		sess.upstreamConn.Close()
	})
	if err != nil {
		return err
	}

	idle := s.cfg.Load().Server.IdleTimeout()
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	stop := make(chan struct{})
	go s.evictIdle(idle, stop)
	defer close(stop)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.handleDatagram(conn, clientAddr, buf[:n])
	}
}

func (s *UDPServer) handleDatagram(listen *net.UDPConn, clientAddr *net.UDPAddr, payload []byte) {
	cfg := s.cfg.Load()
	peer := clientAddr.IP.String()
	if cfg.Access != nil && cfg.Access.Check(peer, cfg.AllowAllPublic, cfg.AllowAllLAN) == access.Deny {
		return
	}

	key := clientAddr.String()
	s.mu.Lock()
	sess, ok := s.sessions.Get(key)
	s.mu.Unlock()

	if !ok {
		member, found := s.Selector.Pick(peer)
		if !found {
			return
		}
		upstreamAddr, err := net.ResolveUDPAddr("udp", member.Addr)
		if err != nil {
			return
		}
		upstreamConn, err := net.DialUDP("udp", nil, upstreamAddr)
		if err != nil {
			s.Selector.MarkFailed(member.Addr)
			return
		}
		sess = &udpSession{clientAddr: clientAddr, upstreamConn: upstreamConn, lastSeen: time.Now()}
		s.mu.Lock()
		s.sessions.Add(key, sess)
		s.mu.Unlock()
		go s.pumpUpstreamToClient(listen, sess)
	}

	sess.lastSeen = time.Now()
	if _, err := sess.upstreamConn.Write(payload); err != nil && s.Logger != nil {
		s.Logger.Debug("udp write to upstream failed", slog.Any("err", err))
	}
}

// pumpUpstreamToClient relays replies from sess's dedicated upstream
// socket back to the owning client, exiting once the socket closes
// (eviction or process shutdown).
func (s *UDPServer) pumpUpstreamToClient(listen *net.UDPConn, sess *udpSession) {
	buf := make([]byte, 65536)
	for {
		n, err := sess.upstreamConn.Read(buf)
		if err != nil {
			return
		}
		if _, err := listen.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			return
		}
	}
}

func (s *UDPServer) evictIdle(idle time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-idle)
			s.mu.Lock()
			for _, key := range s.sessions.Keys() {
				if sess, ok := s.sessions.Peek(key); ok && sess.lastSeen.Before(cutoff) {
					s.sessions.Remove(key)
				}
			}
			s.mu.Unlock()
		case <-stop:
			return
		}
	}
}

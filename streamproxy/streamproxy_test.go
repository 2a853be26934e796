package streamproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dito/access"
	"dito/config"
	"dito/selector"
)

func TestTCPServerSplicesToUpstream(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		conn.Write(append([]byte("reply:"), buf[:n]...))
	}()

	ring := selector.NewRing([]selector.Member{{Addr: upstreamLn.Addr().String(), Weight: 1}}, time.Second)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	srv := NewTCPServer(ServerConfig{
		Server:         config.StreamServer{ConnectTimeoutMs: 2000, IdleTimeoutMs: 2000},
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		AllowAllPublic: true,
	}, ring, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, clientLn)

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "reply:ping", string(buf[:n]))
}

func TestTCPServerDeniesBlacklistedClient(t *testing.T) {
	ring := selector.NewRing([]selector.Member{{Addr: "127.0.0.1:1", Weight: 1}}, time.Second)
	ctrl := access.New(config.AccessConfig{Blacklist: []config.BlacklistEntry{{IP: "127.0.0.1"}}}, nil)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	srv := NewTCPServer(ServerConfig{Server: config.StreamServer{ConnectTimeoutMs: 500}, Access: ctrl}, ring, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, clientLn)

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err) // connection closed immediately, denied
}

// TestTCPServerUpdateSwapsAccessForNextConnection covers spec §4.K for
// the stream family: a running TCPServer must enforce the Access
// control handed to it via Update on the very next connection.
func TestTCPServerUpdateSwapsAccessForNextConnection(t *testing.T) {
	ring := selector.NewRing([]selector.Member{{Addr: "127.0.0.1:1", Weight: 1}}, time.Second)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	srv := NewTCPServer(ServerConfig{
		Server:         config.StreamServer{ConnectTimeoutMs: 500},
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		AllowAllPublic: true,
	}, ring, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, clientLn)

	srv.Update(ServerConfig{
		Server: config.StreamServer{ConnectTimeoutMs: 500},
		Access: access.New(config.AccessConfig{Blacklist: []config.BlacklistEntry{{IP: "127.0.0.1"}}}, nil),
	})

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err) // denied by the updated blacklist
}

func TestUDPServerRelaysDatagramsBothWays(t *testing.T) {
	upstreamConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer upstreamConn.Close()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := upstreamConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			upstreamConn.WriteToUDP(append([]byte("u:"), buf[:n]...), addr)
		}
	}()

	ring := selector.NewRing([]selector.Member{{Addr: upstreamConn.LocalAddr().String(), Weight: 1}}, time.Second)

	listenConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listenConn.Close()

	srv := NewUDPServer(ServerConfig{
		Server:         config.StreamServer{IdleTimeoutMs: 60000},
		Access:         access.New(config.AccessConfig{AllowAllPublic: true}, nil),
		AllowAllPublic: true,
	}, ring, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, listenConn)

	clientConn, err := net.DialUDP("udp", nil, listenConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	_, err = clientConn.Write([]byte("hi"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1024)
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "u:hi", string(buf[:n]))
}

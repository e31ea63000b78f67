// Package connection resolves a connection mode into one TCP stream to the peer.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"flying/internal/discovery"
	apperr "flying/internal/errors"
)

// Mode is one of AutoDiscover, Listen or Connect.
type Mode interface {
	isMode()
	String() string
}

type AutoDiscover struct{}

type Listen struct{}

// Connect dials Address, an IP literal optionally followed by a port.
type Connect struct {
	Address string
}

func (AutoDiscover) isMode() {}
func (Listen) isMode()       {}
func (Connect) isMode()      {}

func (AutoDiscover) String() string { return "Auto-discovering peers on local network" }
func (Listen) String() string       { return "Listening for incoming connections" }
func (c Connect) String() string    { return "Will connect to " + c.Address }

var (
	ErrNoPeers        = errors.New("no peers found on the local network")
	ErrInvalidAddress = errors.New("invalid address")
)

// Stream is the established connection. Accepted is true on the end that
// accepted it; that end leads the handshake.
type Stream struct {
	*net.TCPConn
	Accepted bool
}

// Shutdown half-closes the write side so the peer sees a clean end of
// stream, then closes the connection.
func (s *Stream) Shutdown() error {
	werr := s.CloseWrite()
	cerr := s.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

type Establisher struct {
	Discovery        discovery.Service
	Port             int
	DiscoveryTimeout time.Duration
	Logger           *slog.Logger
	// OnListening, if set, is called once the listen socket is bound.
	OnListening func(addr net.Addr)
}

// Establish returns exactly one stream for mode. Nothing is retried.
func (e *Establisher) Establish(ctx context.Context, mode Mode) (*Stream, error) {
	switch m := mode.(type) {
	case AutoDiscover:
		return e.autoDiscover(ctx)
	case Listen:
		return e.listen(ctx)
	case Connect:
		return e.connect(ctx, m.Address)
	default:
		return nil, fmt.Errorf("unknown connection mode %T", mode)
	}
}

func (e *Establisher) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Establisher) autoDiscover(ctx context.Context) (*Stream, error) {
	if e.Discovery == nil {
		return nil, apperr.Fatal(apperr.ErrDiscovery, "connection", "discovery is not available", nil)
	}
	timeout := e.DiscoveryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	e.logger().Info("searching for peers on the local network", "timeout", timeout)

	peers, err := e.Discovery.Discover(ctx, timeout)
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrDiscovery, "connection", "peer discovery failed", err)
	}
	peer, ok := discovery.Select(peers)
	if !ok {
		return nil, apperr.Fatal(apperr.ErrDiscovery, "connection", "auto-discovery failed", ErrNoPeers)
	}
	e.logger().Info("peer selected", "instance", peer.Instance, "addr", peer.Address(), "candidates", len(peers))
	return e.dial(ctx, peer.Address())
}

func (e *Establisher) listen(ctx context.Context) (*Stream, error) {
	lc := net.ListenConfig{Control: control}
	// an empty host gets a dual-stack socket where the system has IPv6
	addr := net.JoinHostPort("", strconv.Itoa(e.Port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrConnection, "connection", fmt.Sprintf("failed to listen on %s", addr), err)
	}
	defer ln.Close()

	bound := ln.Addr().(*net.TCPAddr)
	if e.Discovery != nil {
		ad, err := e.Discovery.Advertise(bound.Port)
		if err != nil {
			return nil, apperr.Fatal(apperr.ErrDiscovery, "connection", "failed to advertise on the local network", err)
		}
		defer ad.Shutdown()
	}
	e.logger().Info("listening (IPv4/IPv6 dual-stack)", "addr", bound.String())
	if e.OnListening != nil {
		e.OnListening(bound)
	}

	conn, err := acceptWithContext(ctx, ln)
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrConnection, "connection", "failed to accept connection", err)
	}
	e.logger().Info("connection accepted", "peer", conn.RemoteAddr().String())
	return newStream(conn.(*net.TCPConn), true), nil
}

func (e *Establisher) connect(ctx context.Context, address string) (*Stream, error) {
	target, err := resolveTarget(address, e.Port)
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrConnection, "connection", fmt.Sprintf("cannot connect to %q", address), err)
	}
	return e.dial(ctx, target)
}

func (e *Establisher) dial(ctx context.Context, addr string) (*Stream, error) {
	e.logger().Info("connecting", "addr", addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrConnection, "connection", fmt.Sprintf("failed to connect to %s", addr), err)
	}
	e.logger().Info("connected", "peer", conn.RemoteAddr().String())
	return newStream(conn.(*net.TCPConn), false), nil
}

const socketBuffer = 4 << 20

func newStream(conn *net.TCPConn, accepted bool) *Stream {
	// frames are written whole, so Nagle only adds latency
	conn.SetNoDelay(true)
	conn.SetReadBuffer(socketBuffer)
	conn.SetWriteBuffer(socketBuffer)
	return &Stream{TCPConn: conn, Accepted: accepted}
}

// resolveTarget accepts "ip" (dialled on port) or "ip:port" / "[ipv6]:port".
func resolveTarget(address string, port int) (string, error) {
	if ip := net.ParseIP(address); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}
	host, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", ErrInvalidAddress
	}
	ip := net.ParseIP(host)
	n, err := strconv.Atoi(p)
	if ip == nil || err != nil || n < 1 || n > 65535 {
		return "", ErrInvalidAddress
	}
	return net.JoinHostPort(ip.String(), p), nil
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = ln.Close()
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// Package discovery advertises and finds peers on the local network over mDNS.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceName = "_flying._tcp"
	domain      = "local."

	entryBuffer = 16
)

// Peer is one advertised endpoint.
type Peer struct {
	Instance string
	IP       net.IP
	Port     int
}

func (p Peer) Address() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// Advertisement stops advertising when shut down.
type Advertisement interface {
	Shutdown()
}

// Service is what connection establishment needs from discovery.
type Service interface {
	Discover(ctx context.Context, timeout time.Duration) ([]Peer, error)
	Advertise(port int) (Advertisement, error)
}

// Zeroconf implements Service with multicast DNS.
type Zeroconf struct {
	logger *slog.Logger
}

func NewZeroconf(logger *slog.Logger) *Zeroconf {
	if logger == nil {
		logger = slog.Default()
	}
	return &Zeroconf{logger: logger}
}

func (z *Zeroconf) Advertise(port int) (Advertisement, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	server, err := zeroconf.Register(hostname, serviceName, domain, port, []string{"txtv=0"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", serviceName, err)
	}
	z.logger.Debug("peer discovery beacon started", "instance", hostname, "port", port)
	return server, nil
}

// Discover browses for timeout and returns every address seen, in arrival order.
func (z *Zeroconf) Discover(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, entryBuffer)
	if err := resolver.Browse(ctx, serviceName, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	peers, err := z.collect(ctx, entries)
	go drain(entries)
	return peers, err
}

// collect gathers entries until the resolver closes the channel or ctx ends.
func (z *Zeroconf) collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) ([]Peer, error) {
	var peers []Peer
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return peers, nil
			}
			z.logger.Debug("peer found", "instance", entry.Instance, "port", entry.Port)
			peers = append(peers, entryPeers(entry)...)
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return peers, nil
			}
			return peers, ctx.Err()
		}
	}
}

// drain reads until the resolver closes entries, which it does once its
// context is done, so a late entry never blocks the resolver goroutine.
func drain(entries <-chan *zeroconf.ServiceEntry) {
	for range entries {
	}
}

func entryPeers(entry *zeroconf.ServiceEntry) []Peer {
	peers := make([]Peer, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		peers = append(peers, Peer{Instance: entry.Instance, IP: ip, Port: entry.Port})
	}
	for _, ip := range entry.AddrIPv6 {
		peers = append(peers, Peer{Instance: entry.Instance, IP: ip, Port: entry.Port})
	}
	return peers
}

// Select picks one peer deterministically: IPv4 before IPv6, then lowest
// address and port. Duplicate entries do not change the outcome.
func Select(peers []Peer) (Peer, bool) {
	if len(peers) == 0 {
		return Peer{}, false
	}
	sorted := make([]Peer, len(peers))
	copy(sorted, peers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		a4, b4 := a.IP.To4() != nil, b.IP.To4() != nil
		if a4 != b4 {
			return a4
		}
		if c := bytes.Compare(a.IP.To16(), b.IP.To16()); c != 0 {
			return c < 0
		}
		return a.Port < b.Port
	})
	return sorted[0], true
}

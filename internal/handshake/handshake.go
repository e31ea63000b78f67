// Package handshake runs the first protocol steps on a fresh connection:
// protocol version exchange, then sender/receiver role agreement.
//
// Both steps are strictly ordered. The leading side writes then reads, the
// other side reads then writes, so the two ends never block reading at once.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	apperr "flying/internal/errors"
	"flying/internal/wire"
)

type Role int

const (
	SENDER Role = iota
	RECEIVER
)

func (r Role) String() string {
	if r == SENDER {
		return "sender"
	}
	return "receiver"
}

// wire flag: 1 = sender, 0 = receiver
func (r Role) flag() uint64 {
	if r == SENDER {
		return 1
	}
	return 0
}

type State int

const (
	Start State = iota
	VersionExchanged
	RoleAgreed
	Ready
	Failed
)

var (
	ErrBothSenders   = errors.New("both ends selected send mode")
	ErrBothReceivers = errors.New("both ends selected receive mode")
	ErrBadRoleFlag   = errors.New("invalid role flag")
)

type Config struct {
	Version uint64
	Role    Role
	// Leads is true on exactly one end of the connection.
	Leads  bool
	Logger *slog.Logger
}

type Result struct {
	State       State
	PeerVersion uint64
	PeerRole    Role
}

// Run performs the handshake on rw. A version mismatch is logged and
// tolerated; a role collision or any I/O failure is returned as an error.
func Run(ctx context.Context, rw io.ReadWriter, cfg Config) (Result, error) {
	res := Result{State: Start}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		res.State = Failed
		return res, err
	}

	peerVersion, err := exchange(rw, cfg.Leads, cfg.Version, "protocol version")
	if err != nil {
		res.State = Failed
		return res, err
	}
	res.PeerVersion = peerVersion
	res.State = VersionExchanged
	if peerVersion != cfg.Version {
		logger.Warn("protocol version mismatch", "local", cfg.Version, "peer", peerVersion)
	}

	peerFlag, err := exchange(rw, cfg.Leads, cfg.Role.flag(), "role")
	if err != nil {
		res.State = Failed
		return res, err
	}
	switch peerFlag {
	case 1:
		res.PeerRole = SENDER
	case 0:
		res.PeerRole = RECEIVER
	default:
		res.State = Failed
		return res, apperr.Fatal(apperr.ErrProtocol, "handshake", fmt.Sprintf("peer sent role flag %d", peerFlag), ErrBadRoleFlag)
	}
	if res.PeerRole == cfg.Role {
		res.State = Failed
		collision := ErrBothReceivers
		if cfg.Role == SENDER {
			collision = ErrBothSenders
		}
		return res, apperr.Fatal(apperr.ErrProtocol, "handshake", "role negotiation failed", collision)
	}
	res.State = RoleAgreed

	logger.Debug("handshake complete", "role", cfg.Role, "peer_version", peerVersion)
	res.State = Ready
	return res, nil
}

func exchange(rw io.ReadWriter, leads bool, local uint64, what string) (uint64, error) {
	if leads {
		if err := wire.WriteU64(rw, local, "writing "+what); err != nil {
			return 0, err
		}
		return wire.ReadU64(rw, "reading peer "+what)
	}
	peer, err := wire.ReadU64(rw, "reading peer "+what)
	if err != nil {
		return 0, err
	}
	if err := wire.WriteU64(rw, local, "writing "+what); err != nil {
		return 0, err
	}
	return peer, nil
}

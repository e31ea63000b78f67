package transfer

import (
	"time"
)

// SourceFile is a local file queued for sending.
type SourceFile struct {
	Path string // on disk
	Name string // slash-separated name sent to the peer
}

type TransferStatus int

const (
	PENDING TransferStatus = iota
	TRANSFERRING
	COMPLETED
	SKIPPED
	FAILED
)

func (s TransferStatus) String() string {
	switch s {
	case PENDING:
		return "pending"
	case TRANSFERRING:
		return "transferring"
	case COMPLETED:
		return "completed"
	case SKIPPED:
		return "skipped"
	case FAILED:
		return "failed"
	default:
		return "unknown"
	}
}

type TransferDirection int

const (
	SENDING TransferDirection = iota
	RECEIVING
)

// FileInfo is what both ends know about a file in flight.
type FileInfo struct {
	Name string
	Size int64
	Path string // local path written or read; empty for skipped receives
}

// Result is the observable outcome of one file.
type Result struct {
	File    FileInfo
	Status  TransferStatus
	Bytes   int64
	Elapsed time.Duration
}

// Mbps is the throughput in megabits per second.
func (r Result) Mbps() float64 {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return 8 * (float64(r.Bytes) / 1_000_000) / secs
}

// Package dedup lets a receiver skip a file it already holds.
//
// After the file descriptor, the receiver answers with a candidate flag. When
// it has a regular file of the same name and size it sends 1 followed by the
// SHA-256 of its copy; the sender compares against its own file and replies
// with a match flag. Any mismatch means a full transfer.
package dedup

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	apperr "flying/internal/errors"
	"flying/internal/wire"
)

const DigestSize = sha256.Size

const hashBufferSize = 1 << 20

var ErrBadFlag = errors.New("invalid duplicate check flag")

type Digest [DigestSize]byte

type HashFunc func(r io.Reader) (Digest, error)

// HashReader returns the SHA-256 of everything r yields.
func HashReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, hashBufferSize)); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

type Detector struct {
	Hash HashFunc
}

func New() *Detector {
	return &Detector{Hash: HashReader}
}

// SenderCheck runs the sender half. src is rewound to its start before
// returning so the caller can stream it afterwards.
func (d *Detector) SenderCheck(ctx context.Context, rw io.ReadWriter, src io.ReadSeeker) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	candidate, err := readFlag(rw, "reading duplicate candidate flag")
	if err != nil || !candidate {
		return false, err
	}

	var peer Digest
	if err := wire.ReadFull(rw, peer[:], "reading peer digest"); err != nil {
		return false, err
	}

	local, err := d.hashFrom(src)
	if err != nil {
		return false, apperr.Fatal(apperr.ErrFileSystem, "dedup", "failed to hash source file", err)
	}

	match := local == peer
	if err := wire.WriteU64(rw, boolFlag(match), "writing duplicate match flag"); err != nil {
		return false, err
	}
	return match, nil
}

// ReceiverCheck runs the receiver half for the file the sender described.
// The local file is only hashed when its size equals size.
func (d *Detector) ReceiverCheck(ctx context.Context, rw io.ReadWriter, path string, size uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || uint64(info.Size()) != size {
		return false, wire.WriteU64(rw, 0, "writing duplicate candidate flag")
	}
	if err := wire.WriteU64(rw, 1, "writing duplicate candidate flag"); err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, apperr.Fatal(apperr.ErrFileSystem, "dedup", fmt.Sprintf("failed to open %s", path), err)
	}
	local, err := d.hash(f)
	f.Close()
	if err != nil {
		return false, apperr.Fatal(apperr.ErrFileSystem, "dedup", fmt.Sprintf("failed to hash %s", path), err)
	}

	if err := wire.Write(rw, local[:], "writing digest"); err != nil {
		return false, err
	}
	return readFlag(rw, "reading duplicate match flag")
}

func (d *Detector) hash(r io.Reader) (Digest, error) {
	if d.Hash == nil {
		return HashReader(r)
	}
	return d.Hash(r)
}

func (d *Detector) hashFrom(src io.ReadSeeker) (Digest, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return Digest{}, err
	}
	digest, err := d.hash(src)
	if err != nil {
		return Digest{}, err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return Digest{}, err
	}
	return digest, nil
}

func readFlag(r io.Reader, op string) (bool, error) {
	v, err := wire.ReadU64(r, op)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, apperr.Fatal(apperr.ErrProtocol, "dedup", fmt.Sprintf("peer sent %d while %s", v, op), ErrBadFlag)
	}
}

func boolFlag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

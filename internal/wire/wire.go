// Package wire holds the fixed-width integer encoding shared by every step of
// the session protocol. All integers are unsigned 64-bit big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	apperr "flying/internal/errors"
)

const (
	// MaxNameLength bounds a file descriptor's name so a peer cannot make us allocate at will.
	MaxNameLength = 4096
)

var (
	ErrNameTooLong = errors.New("file name too long")
	ErrNameInvalid = errors.New("file name is not valid UTF-8")
)

// Descriptor is sent by the sender before each file's bytes.
type Descriptor struct {
	Name string // slash-separated relative path
	Size uint64
}

// WriteU64 writes v as eight big-endian bytes.
func WriteU64(w io.Writer, v uint64, op string) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	if _, err := w.Write(buf[:]); err != nil {
		return IOError(op, err)
	}
	return nil
}

// ReadU64 reads eight big-endian bytes.
func ReadU64(r io.Reader, op string) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, IOError(op, err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadFull fills buf from r.
func ReadFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return IOError(op, err)
	}
	return nil
}

// Write writes buf to w.
func Write(w io.Writer, buf []byte, op string) error {
	if _, err := w.Write(buf); err != nil {
		return IOError(op, err)
	}
	return nil
}

// WriteDescriptor writes name length, name bytes and size in one write.
func WriteDescriptor(w io.Writer, d Descriptor) error {
	if len(d.Name) > MaxNameLength {
		return apperr.Fatal(apperr.ErrProtocol, "wire", fmt.Sprintf("cannot send %q", d.Name), ErrNameTooLong)
	}
	buf := make([]byte, 0, 16+len(d.Name))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(d.Name)))
	buf = append(buf, d.Name...)
	buf = binary.BigEndian.AppendUint64(buf, d.Size)
	return Write(w, buf, "writing file descriptor")
}

// ReadDescriptor reads a descriptor written by WriteDescriptor.
func ReadDescriptor(r io.Reader) (Descriptor, error) {
	n, err := ReadU64(r, "reading file name length")
	if err != nil {
		return Descriptor{}, err
	}
	if n > MaxNameLength {
		return Descriptor{}, apperr.Fatal(apperr.ErrProtocol, "wire", fmt.Sprintf("peer sent a %d byte file name", n), ErrNameTooLong)
	}
	name := make([]byte, n)
	if err := ReadFull(r, name, "reading file name"); err != nil {
		return Descriptor{}, err
	}
	if !utf8.Valid(name) {
		return Descriptor{}, apperr.Fatal(apperr.ErrProtocol, "wire", "peer sent a malformed file descriptor", ErrNameInvalid)
	}
	size, err := ReadU64(r, "reading file size")
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Name: string(name), Size: size}, nil
}

// IOError classifies a stream failure: a short read is a protocol error
// (the peer hung up mid-message), anything else is a connection error.
func IOError(op string, err error) error {
	var app *apperr.AppError
	if errors.As(err, &app) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperr.Fatal(apperr.ErrProtocol, "wire", "premature end of stream while "+op, err)
	}
	return apperr.Fatal(apperr.ErrConnection, "wire", op, err)
}

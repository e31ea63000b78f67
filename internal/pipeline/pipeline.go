// Package pipeline turns a plaintext byte stream into length-framed AES-256-GCM
// chunks and back.
//
// Frame layout: u64 length (big-endian) | 12-byte nonce | ciphertext+tag.
// A zero length frame ends a file.
package pipeline

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	apperr "flying/internal/errors"
	"flying/internal/wire"
)

const (
	ChunkSize = 1 << 20
	NonceSize = 12
	TagSize   = 16

	// MaxFrameSize is the largest frame a well-behaved sender produces.
	MaxFrameSize = NonceSize + ChunkSize + TagSize

	lengthSize = 8
)

var (
	ErrDecrypt        = errors.New("chunk authentication failed")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Progress receives the running total of plaintext bytes processed.
type Progress func(done int64)

type Sealer struct {
	aead      cipher.AEAD
	rand      io.Reader
	chunkSize int
}

type SealerOption func(*Sealer)

// WithChunkSize overrides the plaintext bound per chunk. Values outside
// (0, ChunkSize] are ignored so the receiver's frame bound always holds.
func WithChunkSize(n int) SealerOption {
	return func(s *Sealer) {
		if n > 0 && n <= ChunkSize {
			s.chunkSize = n
		}
	}
}

// NewSealer returns a Sealer drawing nonces from rand.
func NewSealer(key Key, rand io.Reader, opts ...SealerOption) (*Sealer, error) {
	aead, err := key.aead()
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrCrypto, "pipeline", "failed to initialise cipher", err)
	}
	s := &Sealer{aead: aead, rand: rand, chunkSize: ChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Seal reads src until EOF, writes one frame per chunk to w and finishes with
// the zero-length sentinel. It returns the number of plaintext bytes sent.
func (s *Sealer) Seal(ctx context.Context, w io.Writer, src io.Reader, progress Progress) (int64, error) {
	// length | nonce | plaintext, with room for the tag appended in place
	buf := make([]byte, lengthSize+NonceSize+s.chunkSize+TagSize)
	nonce := buf[lengthSize : lengthSize+NonceSize]
	body := buf[lengthSize+NonceSize:]

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := io.ReadFull(src, body[:s.chunkSize])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return total, apperr.Fatal(apperr.ErrFileSystem, "pipeline", "failed to read source file", err)
		}
		if n == 0 {
			break
		}

		if _, err := io.ReadFull(s.rand, nonce); err != nil {
			return total, apperr.Fatal(apperr.ErrCrypto, "pipeline", "failed to generate nonce", err)
		}
		sealed := s.aead.Seal(body[:0], nonce, body[:n], nil)

		frameLen := NonceSize + len(sealed)
		binary.BigEndian.PutUint64(buf[:lengthSize], uint64(frameLen))
		if err := wire.Write(w, buf[:lengthSize+frameLen], "writing chunk"); err != nil {
			return total, err
		}

		total += int64(n)
		if progress != nil {
			progress(total)
		}
		if n < s.chunkSize {
			break
		}
	}

	if err := wire.WriteU64(w, 0, "writing end of file"); err != nil {
		return total, err
	}
	return total, nil
}

type Opener struct {
	aead cipher.AEAD
}

func NewOpener(key Key) (*Opener, error) {
	aead, err := key.aead()
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrCrypto, "pipeline", "failed to initialise cipher", err)
	}
	return &Opener{aead: aead}, nil
}

// Open reads frames from r until the sentinel, authenticating each one before
// its plaintext is written to dst. Nothing from a frame that fails
// authentication reaches dst.
func (o *Opener) Open(ctx context.Context, r io.Reader, dst io.Writer, progress Progress) (int64, error) {
	buf := make([]byte, MaxFrameSize)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		frameLen, err := wire.ReadU64(r, "reading frame length")
		if err != nil {
			return total, err
		}
		if frameLen == 0 {
			return total, nil
		}
		if frameLen < NonceSize+TagSize || frameLen > MaxFrameSize {
			return total, apperr.Fatal(apperr.ErrProtocol, "pipeline",
				fmt.Sprintf("frame length %d outside [%d, %d]", frameLen, NonceSize+TagSize, MaxFrameSize), ErrMalformedFrame)
		}

		frame := buf[:frameLen]
		if err := wire.ReadFull(r, frame, "reading chunk"); err != nil {
			return total, err
		}
		plaintext, err := o.aead.Open(frame[NonceSize:NonceSize], frame[:NonceSize], frame[NonceSize:], nil)
		if err != nil {
			return total, apperr.Fatal(apperr.ErrCrypto, "pipeline", "wrong password or corrupted data", ErrDecrypt)
		}

		if _, err := dst.Write(plaintext); err != nil {
			return total, apperr.Fatal(apperr.ErrFileSystem, "pipeline", "failed to write output file", err)
		}

		total += int64(len(plaintext))
		if progress != nil {
			progress(total)
		}
	}
}

package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"flying/internal/connection"
	apperr "flying/internal/errors"
	"flying/internal/handshake"
	"flying/internal/logging"
	"flying/internal/pipeline"
	"flying/internal/wire"
)

func randomFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("Failed to generate random data: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	return p
}

func sameContent(t *testing.T, a, b string) bool {
	t.Helper()
	da, err := os.ReadFile(a)
	if err != nil {
		t.Fatalf("read %s: %v", a, err)
	}
	db, err := os.ReadFile(b)
	if err != nil {
		t.Fatalf("read %s: %v", b, err)
	}
	return bytes.Equal(da, db)
}

type sessionOutcome struct {
	sent, received      []Result
	sendErr, receiveErr error
	senderOut, recvOut  string
}

// runSession runs a receiver in listen mode and a sender in connect mode on loopback.
func runSession(t *testing.T, files []SourceFile, outDir, sendPassword, recvPassword string) sessionOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bound := make(chan int, 1)
	var senderOut, recvOut bytes.Buffer
	receiver := &Runner{
		Establisher: &connection.Establisher{
			Logger:      logging.Discard(),
			OnListening: func(addr net.Addr) { bound <- addr.(*net.TCPAddr).Port },
		},
		Version: 3,
		Options: Options{Key: pipeline.DeriveKey(recvPassword), Logger: logging.Discard(), Output: &recvOut},
	}

	var out sessionOutcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		out.received, out.receiveErr = receiver.Receive(ctx, connection.Listen{}, outDir)
	}()

	var port int
	select {
	case port = <-bound:
	case <-done:
		t.Fatalf("receiver failed before listening: %v", out.receiveErr)
	}

	sender := &Runner{
		Establisher: &connection.Establisher{Port: port, Logger: logging.Discard()},
		Version:     3,
		Options:     Options{Key: pipeline.DeriveKey(sendPassword), Logger: logging.Discard(), Output: &senderOut},
	}
	out.sent, out.sendErr = sender.Send(ctx, connection.Connect{Address: "127.0.0.1"}, files)
	<-done

	out.senderOut, out.recvOut = senderOut.String(), recvOut.String()
	return out
}

func TestEndToEndThenDuplicateSkip(t *testing.T) {
	src := randomFile(t, t.TempDir(), "big.bin", 3<<20)
	outDir := t.TempDir()
	files := []SourceFile{{Path: src, Name: "big.bin"}}

	first := runSession(t, files, outDir, "abc", "abc")
	if first.sendErr != nil || first.receiveErr != nil {
		t.Fatalf("session failed: send=%v receive=%v", first.sendErr, first.receiveErr)
	}
	dest := filepath.Join(outDir, "big.bin")
	if !sameContent(t, src, dest) {
		t.Fatalf("received file differs from source")
	}
	if !strings.Contains(first.recvOut, "File size: 3.0 MiB") {
		t.Fatalf("expected size report, got %q", first.recvOut)
	}
	if len(first.received) != 1 || first.received[0].Status != COMPLETED || first.received[0].Bytes != 3<<20 {
		t.Fatalf("unexpected receive result %+v", first.received)
	}
	if first.sent[0].Status != COMPLETED {
		t.Fatalf("unexpected send result %+v", first.sent)
	}

	second := runSession(t, files, outDir, "abc", "abc")
	if second.sendErr != nil || second.receiveErr != nil {
		t.Fatalf("second session failed: send=%v receive=%v", second.sendErr, second.receiveErr)
	}
	if second.sent[0].Status != SKIPPED || second.received[0].Status != SKIPPED {
		t.Fatalf("expected the second run to be skipped, got %v / %v", second.sent[0].Status, second.received[0].Status)
	}
	if _, err := os.Stat(filepath.Join(outDir, "(1) big.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("a skipped file must not create a copy")
	}
}

func TestFilenameCollisionCreatesNumberedCopies(t *testing.T) {
	srcDir, outDir := t.TempDir(), t.TempDir()
	src := randomFile(t, srcDir, "report.txt", 4096)
	existing := randomFile(t, outDir, "report.txt", 4096)
	files := []SourceFile{{Path: src, Name: "report.txt"}}

	for i, want := range []string{"(1) report.txt", "(2) report.txt"} {
		res := runSession(t, files, outDir, "abc", "abc")
		if res.sendErr != nil || res.receiveErr != nil {
			t.Fatalf("run %d failed: send=%v receive=%v", i+1, res.sendErr, res.receiveErr)
		}
		got := filepath.Join(outDir, want)
		if res.received[0].File.Path != got {
			t.Fatalf("run %d: expected %s, got %s", i+1, got, res.received[0].File.Path)
		}
		if !sameContent(t, src, got) {
			t.Fatalf("run %d: %s differs from source", i+1, want)
		}
	}
	if sameContent(t, src, existing) {
		t.Fatalf("the existing file was overwritten")
	}
}

func TestWrongPasswordAbortsWithoutOutput(t *testing.T) {
	src := randomFile(t, t.TempDir(), "secret.txt", 1000)
	outDir := t.TempDir()

	res := runSession(t, []SourceFile{{Path: src, Name: "secret.txt"}}, outDir, "abc", "xyz")
	if !errors.Is(res.receiveErr, pipeline.ErrDecrypt) || !apperr.IsType(res.receiveErr, apperr.ErrCrypto) {
		t.Fatalf("expected a crypto error on the receiver, got %v", res.receiveErr)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("expected no output files, found %d", len(entries))
	}
}

func TestRecursiveSendCreatesParents(t *testing.T) {
	srcRoot := filepath.Join(t.TempDir(), "album")
	randomFile(t, srcRoot, "cover.jpg", 100)
	randomFile(t, srcRoot, filepath.Join("2024", "june", "beach.jpg"), pipeline.ChunkSize+1)
	randomFile(t, srcRoot, "empty.txt", 0)

	files, err := Collect(srcRoot, true)
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	outDir := t.TempDir()
	res := runSession(t, files, outDir, "abc", "abc")
	if res.sendErr != nil || res.receiveErr != nil {
		t.Fatalf("session failed: send=%v receive=%v", res.sendErr, res.receiveErr)
	}
	if len(res.received) != 3 {
		t.Fatalf("expected 3 files, got %d", len(res.received))
	}
	for _, f := range files {
		if !sameContent(t, f.Path, filepath.Join(outDir, filepath.FromSlash(f.Name))) {
			t.Fatalf("%s differs", f.Name)
		}
	}
}

func TestBothSendersFailBeforeAnyFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := randomFile(t, t.TempDir(), "a.txt", 10)
	files := []SourceFile{{Path: src, Name: "a.txt"}}

	bound := make(chan int, 1)
	listener := &Runner{
		Establisher: &connection.Establisher{
			Logger:      logging.Discard(),
			OnListening: func(addr net.Addr) { bound <- addr.(*net.TCPAddr).Port },
		},
		Version: 3,
		Options: Options{Key: pipeline.DeriveKey("abc"), Logger: logging.Discard()},
	}

	g, gctx := errgroup.WithContext(ctx)
	var listenErr, dialErr error
	var listenResults []Result
	g.Go(func() error {
		listenResults, listenErr = listener.Send(gctx, connection.Listen{}, files)
		return nil
	})
	g.Go(func() error {
		port := <-bound
		dialer := &Runner{
			Establisher: &connection.Establisher{Port: port, Logger: logging.Discard()},
			Version:     3,
			Options:     Options{Key: pipeline.DeriveKey("abc"), Logger: logging.Discard()},
		}
		_, dialErr = dialer.Send(gctx, connection.Connect{Address: "127.0.0.1"}, files)
		return nil
	})
	g.Wait()

	for _, err := range []error{listenErr, dialErr} {
		if !errors.Is(err, handshake.ErrBothSenders) {
			t.Fatalf("expected ErrBothSenders, got %v", err)
		}
	}
	if len(listenResults) != 0 {
		t.Fatalf("no file may be attempted after a role collision")
	}
}

// scriptedConn feeds canned peer bytes and records what we write.
type scriptedConn struct {
	in  io.Reader
	out bytes.Buffer
}

func (c *scriptedConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *scriptedConn) Write(p []byte) (int, error) { return c.out.Write(p) }

// senderStream records what SendFiles writes when the receiver has no candidate.
func senderStream(t *testing.T, key pipeline.Key, files []SourceFile) []byte {
	t.Helper()
	replies := make([]byte, 8*len(files)) // candidate flag 0 per file
	conn := &scriptedConn{in: bytes.NewReader(replies)}
	if _, err := SendFiles(context.Background(), conn, files, Options{Key: key, Logger: logging.Discard()}); err != nil {
		t.Fatalf("SendFiles error: %v", err)
	}
	return conn.out.Bytes()
}

func TestSenderWireLayout(t *testing.T) {
	src := randomFile(t, t.TempDir(), "x.bin", 10)
	stream := senderStream(t, pipeline.DeriveKey("abc"), []SourceFile{{Path: src, Name: "x.bin"}})

	r := bytes.NewReader(stream)
	count, _ := wire.ReadU64(r, "count")
	desc, err := wire.ReadDescriptor(r)
	if count != 1 || err != nil || desc.Name != "x.bin" || desc.Size != 10 {
		t.Fatalf("unexpected header: count=%d desc=%+v err=%v", count, desc, err)
	}
	frameLen, _ := wire.ReadU64(r, "frame")
	if frameLen != pipeline.NonceSize+10+pipeline.TagSize {
		t.Fatalf("unexpected frame length %d", frameLen)
	}
	r.Seek(int64(frameLen), io.SeekCurrent)
	sentinel, err := wire.ReadU64(r, "sentinel")
	if err != nil || sentinel != 0 || r.Len() != 0 {
		t.Fatalf("expected a trailing zero-length frame")
	}
}

func TestTamperedStreamWritesNothing(t *testing.T) {
	key := pipeline.DeriveKey("abc")
	src := randomFile(t, t.TempDir(), "doc.pdf", 5000)
	stream := senderStream(t, key, []SourceFile{{Path: src, Name: "doc.pdf"}})

	// header: count(8) + name len(8) + name(7) + size(8); then frame length(8)
	first := 8 + 8 + len("doc.pdf") + 8 + 8
	for _, pos := range []int{first, first + pipeline.NonceSize + 100, len(stream) - 9} {
		tampered := append([]byte(nil), stream...)
		tampered[pos] ^= 0x04

		outDir := t.TempDir()
		conn := &scriptedConn{in: bytes.NewReader(tampered)}
		_, err := ReceiveFiles(context.Background(), conn, outDir, Options{Key: key, Logger: logging.Discard()})
		if !apperr.IsType(err, apperr.ErrCrypto) {
			t.Fatalf("pos %d: expected crypto error, got %v", pos, err)
		}
		if entries, _ := os.ReadDir(outDir); len(entries) != 0 {
			t.Fatalf("pos %d: corrupted output left on disk", pos)
		}
	}
}

func TestUnsafeNameRejected(t *testing.T) {
	var stream bytes.Buffer
	wire.WriteU64(&stream, 1, "count")
	wire.WriteDescriptor(&stream, wire.Descriptor{Name: "../escape.txt", Size: 1})

	parent := t.TempDir()
	outDir := filepath.Join(parent, "out")
	os.Mkdir(outDir, 0755)

	conn := &scriptedConn{in: &stream}
	_, err := ReceiveFiles(context.Background(), conn, outDir, Options{Key: pipeline.DeriveKey("abc"), Logger: logging.Discard()})
	if !errors.Is(err, ErrInvalidFilename) || !apperr.IsType(err, apperr.ErrProtocol) {
		t.Fatalf("expected protocol ErrInvalidFilename, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file written outside the output directory")
	}
	if conn.out.Len() != 0 {
		t.Fatalf("receiver answered an unsafe descriptor")
	}
}

func TestMissingOutputDirectory(t *testing.T) {
	conn := &scriptedConn{in: bytes.NewReader(nil)}
	_, err := ReceiveFiles(context.Background(), conn, filepath.Join(t.TempDir(), "nope"), Options{})
	if !apperr.IsType(err, apperr.ErrFileSystem) {
		t.Fatalf("expected filesystem error, got %v", err)
	}
}

func TestSessionManagerResults(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	sm := NewSessionWithNow(func() time.Time { return now })

	key := sm.CreateTransfer(FileInfo{Name: "a", Size: 1_000_000}, SENDING)
	now = now.Add(time.Second)
	sm.UpdateTransferProgress(key, 500_000)
	now = now.Add(time.Second)
	sm.CompleteTransfer(key, 1_000_000)

	skipped := sm.CreateTransfer(FileInfo{Name: "b"}, SENDING)
	sm.SkipTransfer(skipped)

	results := sm.Results()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	r := results[0]
	if r.Status != COMPLETED || r.Elapsed != 2*time.Second || r.Mbps() != 4 {
		t.Fatalf("unexpected result %+v (%.2f Mbps)", r, r.Mbps())
	}
	if results[1].Status != SKIPPED || results[1].Mbps() != 0 {
		t.Fatalf("unexpected skipped result %+v", results[1])
	}
	if err := sm.CompleteTransfer("missing", 0); err == nil {
		t.Fatalf("expected an error for an unknown transfer")
	}
}

func TestRunnerStartsFreshSessionPerRun(t *testing.T) {
	src := randomFile(t, t.TempDir(), "a.txt", 10)
	files := []SourceFile{{Path: src, Name: "a.txt"}}

	bound := make(chan int, 1)
	shared := NewSession()
	receiver := &Runner{
		Establisher: &connection.Establisher{
			Logger:      logging.Discard(),
			OnListening: func(addr net.Addr) { bound <- addr.(*net.TCPAddr).Port },
		},
		Version: 3,
		Options: Options{Key: pipeline.DeriveKey("abc"), Logger: logging.Discard(), Session: shared},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	var received []Result
	g.Go(func() error {
		var err error
		received, err = receiver.Receive(gctx, connection.Listen{}, t.TempDir())
		return err
	})
	g.Go(func() error {
		sender := &Runner{
			Establisher: &connection.Establisher{Port: <-bound, Logger: logging.Discard()},
			Version:     3,
			Options:     Options{Key: pipeline.DeriveKey("abc"), Logger: logging.Discard()},
		}
		_, err := sender.Send(gctx, connection.Connect{Address: "127.0.0.1"}, files)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if len(received) != 1 || received[0].Status != COMPLETED {
		t.Fatalf("unexpected results %+v", received)
	}
	if got := shared.Results(); len(got) != 0 {
		t.Fatalf("a caller-supplied session must stay untouched, got %d transfers", len(got))
	}
}

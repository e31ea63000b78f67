// Package transfer sequences a whole session: file count, then for every file
// the duplicate check followed by the encrypted chunk stream.
package transfer

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"flying/internal/connection"
	"flying/internal/dedup"
	apperr "flying/internal/errors"
	"flying/internal/handshake"
	"flying/internal/pipeline"
	"flying/internal/progress"
	"flying/internal/wire"
)

const writeBufferSize = 4 << 20

// Options are shared by both directions.
type Options struct {
	Key      pipeline.Key
	Rand     io.Reader // nonce source; crypto/rand when nil
	Detector *dedup.Detector
	Logger   *slog.Logger
	// Output receives the human-readable per-file report; nil discards it.
	Output io.Writer
	// NewProgress returns the percentage sink for one file; nil disables progress.
	NewProgress func(name string) func(percent int)
	// Session records each file; SendFiles and ReceiveFiles create one when nil.
	Session *SessionManager
}

func (o *Options) defaults() {
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Detector == nil {
		o.Detector = dedup.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Output == nil {
		o.Output = io.Discard
	}
	if o.Session == nil {
		o.Session = NewSession()
	}
}

func (o *Options) tracker(name string, size int64) *progress.Tracker {
	var report func(int)
	if o.NewProgress != nil {
		report = o.NewProgress(name)
	}
	return progress.NewTracker(size, report)
}

// SendFiles runs the sender side after the handshake.
func SendFiles(ctx context.Context, rw io.ReadWriter, files []SourceFile, opts Options) ([]Result, error) {
	opts.defaults()
	sealer, err := pipeline.NewSealer(opts.Key, opts.Rand)
	if err != nil {
		return nil, err
	}

	if err := wire.WriteU64(rw, uint64(len(files)), "writing file count"); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(files))
	for i, file := range files {
		fmt.Fprintf(opts.Output, "File %d of %d\n", i+1, len(files))
		res, err := sendFile(ctx, rw, sealer, file, opts)
		if err != nil {
			return results, fmt.Errorf("sending %s: %w", file.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func sendFile(ctx context.Context, rw io.ReadWriter, sealer *pipeline.Sealer, file SourceFile, opts Options) (Result, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return Result{}, apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to open file", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Result{}, apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to stat file", err)
	}
	info := FileInfo{Name: file.Name, Size: stat.Size(), Path: file.Path}
	key := opts.Session.CreateTransfer(info, SENDING)
	logger := opts.Logger.With("file", file.Name, "size", info.Size)

	fmt.Fprintf(opts.Output, "Sending file: %s\n", file.Name)
	fmt.Fprintf(opts.Output, "File size: %s\n", FormatSize(info.Size))

	fail := func(err error) (Result, error) {
		opts.Session.FailTransfer(key, err)
		r, _ := opts.Session.Result(key)
		return r, err
	}

	if err := wire.WriteDescriptor(rw, wire.Descriptor{Name: file.Name, Size: uint64(info.Size)}); err != nil {
		return fail(err)
	}

	skip, err := opts.Detector.SenderCheck(ctx, rw, f)
	if err != nil {
		return fail(err)
	}
	if skip {
		opts.Session.SkipTransfer(key)
		fmt.Fprintln(opts.Output, "Recipient already has this file, skipping.")
		logger.Info("file skipped, peer has an identical copy")
		return opts.Session.Result(key)
	}

	tracker := opts.tracker(file.Name, info.Size)
	sent, err := sealer.Seal(ctx, rw, f, func(done int64) {
		opts.Session.UpdateTransferProgress(key, done)
		tracker.Update(done)
	})
	if err != nil {
		return fail(err)
	}
	tracker.Finish()
	if sent != info.Size {
		logger.Warn("file size changed while sending", "sent", sent)
	}

	opts.Session.CompleteTransfer(key, sent)
	res, err := opts.Session.Result(key)
	if err != nil {
		return res, err
	}
	printSummary(opts.Output, "Sending", res)
	logger.Info("file sent", "elapsed", res.Elapsed, "mbps", res.Mbps())
	return res, nil
}

// ReceiveFiles runs the receiver side after the handshake, writing into outDir.
func ReceiveFiles(ctx context.Context, rw io.ReadWriter, outDir string, opts Options) ([]Result, error) {
	opts.defaults()
	if info, err := os.Stat(outDir); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", outDir)
		}
		return nil, apperr.Fatal(apperr.ErrFileSystem, "transfer", "output directory does not exist", err)
	}
	opener, err := pipeline.NewOpener(opts.Key)
	if err != nil {
		return nil, err
	}

	count, err := wire.ReadU64(rw, "reading file count")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(opts.Output, "Receiving %d file(s)...\n", count)

	var results []Result
	for i := uint64(0); i < count; i++ {
		fmt.Fprintf(opts.Output, "File %d of %d\n", i+1, count)
		res, err := receiveFile(ctx, rw, opener, outDir, opts)
		if err != nil {
			return results, fmt.Errorf("receiving file %d of %d: %w", i+1, count, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func receiveFile(ctx context.Context, rw io.ReadWriter, opener *pipeline.Opener, outDir string, opts Options) (Result, error) {
	desc, err := wire.ReadDescriptor(rw)
	if err != nil {
		return Result{}, err
	}
	rel, err := localName(desc.Name)
	if err != nil {
		return Result{}, apperr.Fatal(apperr.ErrProtocol, "transfer", fmt.Sprintf("peer sent unsafe file name %q", desc.Name), err)
	}
	if desc.Size > uint64(1<<63-1) {
		return Result{}, apperr.Fatal(apperr.ErrProtocol, "transfer", fmt.Sprintf("peer sent file size %d", desc.Size), ErrInvalidSize)
	}

	info := FileInfo{Name: desc.Name, Size: int64(desc.Size)}
	key := opts.Session.CreateTransfer(info, RECEIVING)
	logger := opts.Logger.With("file", desc.Name, "size", info.Size)

	fmt.Fprintf(opts.Output, "Receiving: %s\n", desc.Name)
	fmt.Fprintf(opts.Output, "File size: %s\n", FormatSize(info.Size))

	fail := func(err error) (Result, error) {
		opts.Session.FailTransfer(key, err)
		r, _ := opts.Session.Result(key)
		return r, err
	}

	dest := filepath.Join(outDir, rel)
	skip, err := opts.Detector.ReceiverCheck(ctx, rw, dest, desc.Size)
	if err != nil {
		return fail(err)
	}
	if skip {
		opts.Session.SkipTransfer(key)
		fmt.Fprintln(opts.Output, "Already have this file, skipping.")
		logger.Info("file skipped, identical copy already present", "path", dest)
		return opts.Session.Result(key)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to create parent directories", err))
	}
	path, err := UniquePath(dest)
	if err != nil {
		return fail(apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to choose output file name", err))
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fail(apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to create output file", err))
	}
	opts.Session.SetPath(key, path)
	if path != dest {
		logger.Info("destination exists, writing to a new name", "path", path)
	}

	tracker := opts.tracker(desc.Name, info.Size)
	bw := bufio.NewWriterSize(out, writeBufferSize)
	received, err := opener.Open(ctx, rw, bw, func(done int64) {
		opts.Session.UpdateTransferProgress(key, done)
		tracker.Update(done)
	})
	if err == nil {
		if ferr := bw.Flush(); ferr != nil {
			err = apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to write output file", ferr)
		}
	}
	if cerr := out.Close(); err == nil && cerr != nil {
		err = apperr.Fatal(apperr.ErrFileSystem, "transfer", "failed to close output file", cerr)
	}
	if err != nil {
		// never leave a partial file behind
		os.Remove(path)
		return fail(err)
	}
	tracker.Finish()
	if received != info.Size {
		logger.Warn("received size differs from announced size", "received", received)
	}

	opts.Session.CompleteTransfer(key, received)
	res, err := opts.Session.Result(key)
	if err != nil {
		return res, err
	}
	printSummary(opts.Output, "Receiving", res)
	logger.Info("file received", "path", path, "elapsed", res.Elapsed, "mbps", res.Mbps())
	return res, nil
}

// Runner drives a complete session over a freshly established connection.
// Every Send or Receive gets its own SessionManager, so Options.Session is
// ignored; the returned results carry what it recorded.
type Runner struct {
	Establisher *connection.Establisher
	Version     uint64
	Options
}

// Send establishes the connection for mode, negotiates the sender role and sends files.
func (r *Runner) Send(ctx context.Context, mode connection.Mode, files []SourceFile) ([]Result, error) {
	return r.run(ctx, mode, handshake.SENDER, func(ctx context.Context, s *connection.Stream, opts Options) ([]Result, error) {
		return SendFiles(ctx, s, files, opts)
	})
}

// Receive establishes the connection for mode, negotiates the receiver role and writes into outDir.
func (r *Runner) Receive(ctx context.Context, mode connection.Mode, outDir string) ([]Result, error) {
	return r.run(ctx, mode, handshake.RECEIVER, func(ctx context.Context, s *connection.Stream, opts Options) ([]Result, error) {
		return ReceiveFiles(ctx, s, outDir, opts)
	})
}

func (r *Runner) run(ctx context.Context, mode connection.Mode, role handshake.Role,
	body func(context.Context, *connection.Stream, Options) ([]Result, error)) ([]Result, error) {
	opts := r.Options
	opts.Session = NewSession()
	opts.defaults()
	opts.Logger = opts.Logger.With("session", opts.Session.ID, "role", role)

	stream, err := r.Establisher.Establish(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	opts.Logger = opts.Logger.With("peer", stream.RemoteAddr().String())

	// a blocked read or write only returns once the connection is closed
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	_, err = handshake.Run(ctx, stream, handshake.Config{
		Version: r.Version,
		Role:    role,
		Leads:   stream.Accepted,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, cancelled(ctx, err)
	}

	results, err := body(ctx, stream, opts)
	if err != nil {
		return results, cancelled(ctx, err)
	}
	if err := stream.Shutdown(); err != nil {
		opts.Logger.Debug("shutdown", "err", err)
	}
	return results, nil
}

// cancelled prefers the context's error when cancellation caused err.
func cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

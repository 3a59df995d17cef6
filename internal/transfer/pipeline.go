// Package transfer implements the streaming copy pipeline that moves bytes
// from an opened input resource into a freshly opened output resource.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/metrics"
	"github.com/brucemcpherson/bm-drive-cloud/internal/storage"
)

// Side names the endpoint of a copy that produced an error.
type Side string

// Endpoints.
const (
	SideInput  Side = "input"
	SideOutput Side = "output"
)

// EndpointError tags an I/O error with the endpoint it came from.
type EndpointError struct {
	Side Side
	Err  error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s stream: %v", e.Side, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// Opener opens the destination with the chosen content type.
type Opener func(ctx context.Context, contentType string) (*storage.StreamResource, error)

// Request describes one copy.
type Request struct {
	// Input is the opened source. Its Reader is always closed by Copy.
	Input *storage.StreamResource
	// FallbackType is used when the input carries no content type.
	FallbackType string
	// Open opens the destination.
	Open Opener
	// From and To label metrics.
	From, To storage.Kind
}

// Result is a settled successful copy.
type Result struct {
	Input   *storage.StreamResource
	Output  *storage.StreamResource
	Bytes   int64
	Elapsed time.Duration
}

// ElapsedMs returns the elapsed time in whole milliseconds.
func (r *Result) ElapsedMs() int64 {
	return r.Elapsed.Milliseconds()
}

// Pipeline runs copies.
type Pipeline struct {
	logger *slog.Logger
}

// New creates a Pipeline. A nil logger selects slog.Default().
func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

// Copy opens the destination and pipes the input into it. The copy settles
// exactly once: on the sink's successful Close, on the first error from
// either endpoint, or on ctx cancellation. On failure the sink is abandoned
// with CloseWithError and the returned error is a StreamFailure wrapping the
// originating error.
//
// Neither endpoint is touched after Copy returns. On cancellation the input
// is closed and further writes are refused, and Copy waits for the in-flight
// read or write to return before abandoning the sink. Endpoints must unblock
// when ctx is canceled or the input is closed.
func (p *Pipeline) Copy(ctx context.Context, req Request) (*Result, error) {
	in := req.Input
	if in == nil || in.Reader == nil {
		return nil, xferr.ErrInternalError.WithMessage("copy requires an open input")
	}
	closeInput := sync.OnceFunc(func() { _ = in.Reader.Close() })
	defer closeInput()

	contentType := in.ContentType
	if contentType == "" {
		contentType = req.FallbackType
	}

	start := time.Now()
	out, err := req.Open(ctx, contentType)
	if err != nil {
		p.record(req, "error", 0, time.Since(start))
		return nil, fmt.Errorf("open output: %w", err)
	}
	if out.ContentType == "" {
		out.ContentType = contentType
	}

	s := &settlement{sink: out.Writer}
	src := &countingReader{r: in.Reader}
	dst := &taggedWriter{w: out.Writer}

	done := make(chan error, 1)
	go func() {
		if _, err := io.Copy(dst, src); err != nil {
			done <- err
			return
		}
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		if err := s.finish(); err != nil {
			done <- &EndpointError{Side: SideOutput, Err: err}
			return
		}
		done <- nil
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		dst.stop()
		closeInput()
		// A commit that won the race against cancellation stands.
		if derr := <-done; derr != nil {
			err = ctx.Err()
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		s.abort(err)
		p.record(req, "error", src.count(), elapsed)
		p.logger.Warn("transfer failed",
			"from", req.From,
			"to", req.To,
			"bytes", src.count(),
			"error", err,
		)
		return nil, xferr.ErrStreamFailure.Wrap(err)
	}

	n := src.count()
	p.record(req, "ok", n, elapsed)
	if in.Size == 0 {
		in.Size = n
	}
	out.Size = n
	return &Result{Input: in, Output: out, Bytes: n, Elapsed: elapsed}, nil
}

func (p *Pipeline) record(req Request, status string, n int64, elapsed time.Duration) {
	from, to := string(req.From), string(req.To)
	metrics.TransfersTotal.WithLabelValues(from, to, status).Inc()
	metrics.TransferDuration.WithLabelValues(from, to).Observe(elapsed.Seconds())
	if status == "ok" {
		metrics.TransferSize.WithLabelValues(from, to).Observe(float64(n))
		metrics.BytesTransferredTotal.Add(float64(n))
	}
}

// settlement guards the sink so exactly one of Close or CloseWithError runs.
type settlement struct {
	once sync.Once
	sink storage.Sink
}

var errAlreadySettled = errors.New("copy already settled")

func (s *settlement) finish() error {
	err := errAlreadySettled
	s.once.Do(func() { err = s.sink.Close() })
	return err
}

func (s *settlement) abort(cause error) {
	s.once.Do(func() { _ = s.sink.CloseWithError(cause) })
}

// countingReader counts bytes read and tags read errors with SideInput.
type countingReader struct {
	mu sync.Mutex
	r  io.Reader
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.mu.Lock()
	c.n += int64(n)
	c.mu.Unlock()
	if err != nil && err != io.EOF {
		return n, &EndpointError{Side: SideInput, Err: err}
	}
	return n, err
}

func (c *countingReader) count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

var errCopyStopped = errors.New("copy stopped")

// taggedWriter tags write errors with SideOutput and refuses writes once
// stopped.
type taggedWriter struct {
	w       io.Writer
	stopped atomic.Bool
}

func (t *taggedWriter) stop() { t.stopped.Store(true) }

func (t *taggedWriter) Write(p []byte) (int, error) {
	if t.stopped.Load() {
		return 0, &EndpointError{Side: SideOutput, Err: errCopyStopped}
	}
	n, err := t.w.Write(p)
	if err != nil {
		return n, &EndpointError{Side: SideOutput, Err: err}
	}
	return n, nil
}

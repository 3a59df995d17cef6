package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brucemcpherson/bm-drive-cloud/internal/backoff"
	"github.com/brucemcpherson/bm-drive-cloud/internal/config"
	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/metrics"
	"github.com/brucemcpherson/bm-drive-cloud/internal/storage"
	"github.com/brucemcpherson/bm-drive-cloud/internal/transfer"
)

// Options configures an Executor.
type Options struct {
	// BaseDelay, MaxDelay and MaxAttempts configure retries around session
	// acquisition and input opening. Zero values take the backoff defaults.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// SilenceAttempts turns off per-attempt retry logs.
	SilenceAttempts bool
	// MaxConcurrency caps in-flight transfers per call. Zero means unlimited.
	MaxConcurrency int
	Logger         *slog.Logger
}

// OptionsFromConfig maps the transfer and retry config sections to Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		BaseDelay:       cfg.Retry.BaseDelay(),
		MaxDelay:        cfg.Retry.MaxDelay(),
		MaxAttempts:     cfg.Retry.MaxAttempts,
		SilenceAttempts: !cfg.Retry.LogAttempts,
		MaxConcurrency:  cfg.Transfer.MaxConcurrency,
		Logger:          logger,
	}
}

// RetryPolicy returns the retry settings backends apply to their own calls.
func (o Options) RetryPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{
		BaseDelay:       o.BaseDelay,
		MaxDelay:        o.MaxDelay,
		MaxAttempts:     o.MaxAttempts,
		SilenceAttempts: o.SilenceAttempts,
	}
}

// StorageOptions maps the drive, filesystem and retry config sections to
// backend options.
func StorageOptions(cfg *config.Config, logger *slog.Logger) storage.Options {
	return storage.Options{
		DriveScopes: cfg.Drive.Scopes,
		DriveRootID: cfg.Drive.RootFolderID,
		LocalRoot:   cfg.Filesystem.Root,
		Retry:       OptionsFromConfig(cfg, logger).RetryPolicy(),
		Logger:      logger,
	}
}

// Executor runs validated work items.
type Executor struct {
	registry *storage.Registry
	pipeline *transfer.Pipeline
	opts     Options
	logger   *slog.Logger
}

// NewExecutor creates an Executor over the backends in registry.
func NewExecutor(registry *storage.Registry, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		pipeline: transfer.New(logger),
		opts:     opts,
		logger:   logger,
	}
}

// Outcome is the result of one file transfer: Result on success, Err on failure.
type Outcome struct {
	Result *TransferResult
	Err    error
}

// Execute runs every work item and returns one TransferResult per file,
// grouped by work item. The first failure cancels the remaining transfers
// and is returned.
func (e *Executor) Execute(ctx context.Context, items []*WorkItem) ([][]TransferResult, error) {
	outcomes, err := e.run(ctx, items, true)
	if err != nil {
		return nil, err
	}
	results := make([][]TransferResult, len(outcomes))
	for i, row := range outcomes {
		results[i] = make([]TransferResult, len(row))
		for j, o := range row {
			results[i][j] = *o.Result
		}
	}
	return results, nil
}

// Collect runs every work item to completion and reports each file's
// outcome. A session that cannot be acquired fails every file of its item.
func (e *Executor) Collect(ctx context.Context, items []*WorkItem) [][]Outcome {
	outcomes, _ := e.run(ctx, items, false)
	return outcomes
}

func (e *Executor) run(ctx context.Context, items []*WorkItem, failFast bool) ([][]Outcome, error) {
	outcomes := make([][]Outcome, len(items))
	for i, item := range items {
		outcomes[i] = make([]Outcome, len(item.Files))
	}
	defer e.closeSessions(items)

	// Session acquisition. In collect mode failures are kept per side.
	sessErrs := make([][2]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		for side, p := range []*storage.Platform{item.From, item.To} {
			g.Go(func() error {
				sess, err := e.connect(gctx, p)
				if err != nil {
					if failFast {
						return err
					}
					sessErrs[i][side] = err
					return nil
				}
				p.Session = sess
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		metrics.WorkItemsTotal.WithLabelValues("error").Add(float64(len(items)))
		return nil, err
	}

	g, gctx = errgroup.WithContext(ctx)
	if e.opts.MaxConcurrency > 0 {
		g.SetLimit(e.opts.MaxConcurrency)
	}
	var mu sync.Mutex
	itemFailed := make([]bool, len(items))

	for i, item := range items {
		sessErr := errors.Join(sessErrs[i][0], sessErrs[i][1])
		for j, pair := range item.Files {
			if sessErr != nil {
				outcomes[i][j] = Outcome{Err: sessErr}
				itemFailed[i] = true
				continue
			}
			g.Go(func() error {
				res, err := e.transferOne(gctx, item, pair)
				if err != nil {
					err = fmt.Errorf("%s -> %s: %w", pair.From.PathName, pair.To.PathName, err)
					if failFast {
						return err
					}
					mu.Lock()
					itemFailed[i] = true
					mu.Unlock()
				}
				outcomes[i][j] = Outcome{Result: res, Err: err}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		metrics.WorkItemsTotal.WithLabelValues("error").Add(float64(len(items)))
		return nil, err
	}

	for _, failed := range itemFailed {
		status := "ok"
		if failed {
			status = "error"
		}
		metrics.WorkItemsTotal.WithLabelValues(status).Inc()
	}
	return outcomes, nil
}

// connect acquires a session for p, retrying transient failures.
func (e *Executor) connect(ctx context.Context, p *storage.Platform) (storage.Session, error) {
	backend, err := e.registry.Lookup(p.Kind)
	if err != nil {
		return nil, err
	}
	op := func(ctx context.Context, _ backoff.Config[storage.Session], _ int) (storage.Session, error) {
		return backend.Connect(ctx, p.Credential, p.Subject)
	}
	return backoff.Retry(ctx, op, retryConfig[storage.Session](e, "connect"))
}

// transferOne resolves both FileRefs, opens the input and copies it into a
// freshly opened output.
func (e *Executor) transferOne(ctx context.Context, item *WorkItem, pair FilePair) (*TransferResult, error) {
	src, dst := item.From.Session, item.To.Session
	if err := src.ResolveIdentity(pair.From); err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	if err := dst.ResolveIdentity(pair.To); err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	open := func(ctx context.Context, _ backoff.Config[*storage.StreamResource], _ int) (*storage.StreamResource, error) {
		return src.OpenInput(ctx, pair.From)
	}
	in, err := backoff.Retry(ctx, open, retryConfig[*storage.StreamResource](e, "open_input"))
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	res, err := e.pipeline.Copy(ctx, transfer.Request{
		Input:        in,
		FallbackType: pair.To.MimeType,
		Open: func(ctx context.Context, contentType string) (*storage.StreamResource, error) {
			return dst.OpenOutput(ctx, pair.To, contentType)
		},
		From: item.From.Kind,
		To:   item.To.Kind,
	})
	if err != nil {
		return nil, err
	}

	pair.From.FileID = res.Input.FileID
	pair.To.FileID = res.Output.FileID
	pair.From.Size = res.Input.Size
	pair.To.Size = res.Bytes
	pair.From.Elapsed = res.Elapsed
	pair.To.Elapsed = res.Elapsed

	e.logger.Info("transfer complete",
		"from", pair.From.PathName,
		"from_kind", item.From.Kind,
		"to", pair.To.PathName,
		"to_kind", item.To.Kind,
		"bytes", res.Bytes,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return newTransferResult(item, pair), nil
}

func (e *Executor) closeSessions(items []*WorkItem) {
	for _, item := range items {
		for _, p := range []*storage.Platform{item.From, item.To} {
			if p.Session == nil {
				continue
			}
			if err := p.Session.Close(); err != nil {
				e.logger.Warn("closing session", "kind", p.Kind, "error", err)
			}
			p.Session = nil
		}
	}
}

func retryConfig[T any](e *Executor, operation string) backoff.Config[T] {
	return backoff.Config[T]{
		BaseDelay:       e.opts.BaseDelay,
		MaxDelay:        e.opts.MaxDelay,
		MaxAttempts:     e.opts.MaxAttempts,
		IsRetryable:     retryable,
		SilenceAttempts: e.opts.SilenceAttempts,
		Logger:          e.logger.With("operation", operation),
		OnRetry: func(int, error, time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues(operation).Inc()
		},
	}
}

// retryable reports whether any error in err's chain is transient. Errors
// that already exhausted an inner retry are not retried again.
func retryable(err error) bool {
	if errors.Is(err, xferr.ErrBackoffExhausted) {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if backoff.IsTransient(e) {
			return true
		}
	}
	return false
}

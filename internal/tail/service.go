// Package tail implements the poll loop: compile the filter, page through
// new matches, deduplicate the overlapping window, format and emit each
// survivor, and keep the durable checkpoint moving forward.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/c4pt0r/gmailtail/internal/cache"
	"github.com/c4pt0r/gmailtail/internal/checkpoint"
	"github.com/c4pt0r/gmailtail/internal/dedup"
	"github.com/c4pt0r/gmailtail/internal/filter"
	"github.com/c4pt0r/gmailtail/internal/format"
	"github.com/c4pt0r/gmailtail/internal/gmail"
	"github.com/c4pt0r/gmailtail/internal/rate"
)

const maxPageSize = 500

// Options holds the per-run configuration, validated once before the first
// fetch.
type Options struct {
	Filter filter.Spec

	// Tail keeps polling at PollInterval; otherwise one cycle runs and the
	// loop exits.
	Tail         bool
	PollInterval time.Duration
	PageSize     int64
	// MaxMessages caps total emissions across the run; 0 means unlimited.
	MaxMessages int
	// SaveInterval bounds how often the checkpoint hits disk in tail mode.
	// The final flush before exit always happens regardless.
	SaveInterval time.Duration
	// Resume loads the checkpoint at startup; when false the run starts
	// from the epoch.
	Resume bool
	Retry  RetryPolicy
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.PageSize <= 0 || o.PageSize > maxPageSize {
		o.PageSize = 100
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = time.Minute
	}
	o.Retry.setDefaults()
}

// Service drives the fetch → dedup → format → emit → checkpoint cycle. It
// owns all mutable run state; one cycle runs to completion before the next
// begins.
type Service struct {
	Client    gmail.Client
	Limiter   rate.Limiter
	Store     *checkpoint.Store
	Formatter *format.Formatter
	Cache     *cache.Store
	Out       io.Writer
	Logger    *slog.Logger
	Clock     func() time.Time
}

// NewService constructs a Service with sane defaults.
func NewService(
	client gmail.Client,
	limiter rate.Limiter,
	store *checkpoint.Store,
	formatter *format.Formatter,
	out io.Writer,
	logger *slog.Logger,
) *Service {
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Client:    client,
		Limiter:   limiter,
		Store:     store,
		Formatter: formatter,
		Out:       out,
		Logger:    logger,
		Clock:     time.Now,
	}
}

// Run executes the poll loop until the mode completes, the message budget
// is exhausted, ctx is canceled, or a fatal error occurs. Cancellation is a
// clean exit: the checkpoint is flushed and Run returns nil.
func (s *Service) Run(ctx context.Context, opts Options) error {
	opts.setDefaults()
	if err := opts.Filter.Validate(); err != nil {
		return err
	}

	var cp checkpoint.Checkpoint
	if opts.Resume {
		loaded, err := s.Store.Load()
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		cp = loaded
		if !cp.LastTimestamp.IsZero() {
			s.Logger.Info("resuming from checkpoint",
				"last_timestamp", cp.LastTimestamp, "processed", cp.ProcessedCount)
		}
	}

	lastSave := s.Clock()
	remaining := opts.MaxMessages

	for {
		emitted, err := s.cycle(ctx, opts, &cp, &remaining)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return s.save(&cp)
			}
			// no partial-cycle checkpoint write on fatal errors
			return err
		}
		if emitted == 0 {
			s.Logger.Debug("no new messages")
		} else {
			s.Logger.Info("cycle complete", "emitted", emitted, "total", cp.ProcessedCount)
		}

		budgetDone := opts.MaxMessages > 0 && remaining <= 0
		final := !opts.Tail || budgetDone
		if final || s.Clock().Sub(lastSave) >= opts.SaveInterval {
			if err := s.save(&cp); err != nil {
				return err
			}
			lastSave = s.Clock()
		}
		if final {
			if budgetDone {
				s.Logger.Info("message budget exhausted", "max_messages", opts.MaxMessages)
			}
			return nil
		}

		if err := sleepCtx(ctx, opts.PollInterval); err != nil {
			// shutdown signal during the interval wait
			return s.save(&cp)
		}
	}
}

// cycle runs one fetch → process pass. On success the committed checkpoint
// is replaced wholesale by the cycle's candidate; on any error the
// candidate is discarded and cp is left exactly as it was.
func (s *Service) cycle(
	ctx context.Context,
	opts Options,
	cp *checkpoint.Checkpoint,
	remaining *int,
) (int, error) {
	query := gmail.Query{Raw: opts.Filter.Compile(cp.LastTimestamp)}
	s.Logger.Debug("fetching", "query", query.Raw)

	pg := &pager{
		client:   s.Client,
		limiter:  s.Limiter,
		cache:    s.Cache,
		logger:   s.Logger,
		query:    query,
		pageSize: opts.PageSize,
		retry:    opts.Retry,
	}

	cand := cp.Clone()
	// pages are not guaranteed globally ordered by timestamp, so dedup runs
	// against the cycle-start checkpoint and intra-cycle repeats are
	// tracked separately
	seen := make(map[string]struct{})
	emitted := 0

	for {
		if opts.MaxMessages > 0 && *remaining <= 0 {
			break
		}
		msg, ok, err := pg.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		id := string(msg.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !dedup.IsNew(id, msg.Timestamp, *cp) {
			continue
		}

		record, err := s.Formatter.Format(msg)
		if err != nil {
			return 0, fmt.Errorf("format message %s: %w", id, err)
		}
		if _, err := s.Out.Write(append(record, '\n')); err != nil {
			return 0, &SinkError{Err: err}
		}

		cand.Observe(id, msg.Timestamp)
		emitted++
		if opts.MaxMessages > 0 {
			*remaining--
		}
	}

	*cp = cand
	return emitted, nil
}

func (s *Service) save(cp *checkpoint.Checkpoint) error {
	cp.UpdatedAt = s.Clock()
	if err := s.Store.Save(*cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

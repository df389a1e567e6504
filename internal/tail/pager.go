package tail

import (
	"context"
	"log/slog"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/c4pt0r/gmailtail/internal/cache"
	"github.com/c4pt0r/gmailtail/internal/gmail"
	"github.com/c4pt0r/gmailtail/internal/rate"
)

// RetryPolicy bounds how hard the pager leans on the API when a call fails
// transiently.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (r *RetryPolicy) setDefaults() {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.Initial <= 0 {
		r.Initial = 500 * time.Millisecond
	}
	if r.Max <= 0 {
		r.Max = 30 * time.Second
	}
}

// pager walks the paged message listing for one query, pull-based: the next
// page is fetched only when the current one is exhausted, and each id is
// hydrated to a full message on demand. It owns at most one page of ids at
// a time, so result-set size never bounds memory.
type pager struct {
	client   gmail.Client
	limiter  rate.Limiter
	cache    *cache.Store
	logger   *slog.Logger
	query    gmail.Query
	pageSize int64
	retry    RetryPolicy

	buf       []gmail.MessageID
	nextToken string
	started   bool
	exhausted bool
}

// Next yields the next matching message in source order. ok=false once all
// pages are drained.
func (p *pager) Next(ctx context.Context) (gmail.Message, bool, error) {
	for len(p.buf) == 0 {
		if p.exhausted {
			return gmail.Message{}, false, nil
		}
		if err := p.fetchPage(ctx); err != nil {
			return gmail.Message{}, false, err
		}
	}
	id := p.buf[0]
	p.buf = p.buf[1:]
	msg, err := p.hydrate(ctx, id)
	if err != nil {
		return gmail.Message{}, false, err
	}
	return msg, true, nil
}

func (p *pager) fetchPage(ctx context.Context) error {
	return p.withRetry(ctx, "list", func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		page, err := p.client.List(ctx, p.query, p.nextToken, p.pageSize)
		if err != nil {
			return err
		}
		p.buf = page.IDs
		p.nextToken = page.NextToken
		p.started = true
		if page.NextToken == "" {
			p.exhausted = true
		}
		return nil
	})
}

func (p *pager) hydrate(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	if p.cache != nil {
		if m, ok := p.cache.Get(ctx, id); ok {
			return m, nil
		}
	}
	var msg gmail.Message
	err := p.withRetry(ctx, "get", func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		m, err := p.client.GetFull(ctx, id)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return gmail.Message{}, err
	}
	if p.cache != nil {
		if err := p.cache.Put(ctx, msg); err != nil {
			p.logger.Warn("caching message failed", "id", id, "error", err)
		}
	}
	return msg, nil
}

// withRetry runs fn, retrying transient failures with capped exponential
// backoff. The backoff state is fresh per operation, so any success resets
// the delay schedule.
func (p *pager) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := gax.Backoff{Initial: p.retry.Initial, Max: p.retry.Max, Multiplier: 2}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		fe := classifyFetch(err)
		fe.Attempts = attempt
		if !fe.Transient || attempt >= p.retry.MaxAttempts {
			return fe
		}
		delay := bo.Pause()
		p.logger.Warn("transient fetch error, backing off",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return &FetchError{Transient: false, Attempts: attempt, Err: sleepErr}
		}
	}
}

// sleepCtx waits for d or until ctx is canceled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package poller

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"wx-dispatch/internal/domain"
	"wx-dispatch/internal/integrations/telegram"
	"wx-dispatch/internal/metrics"
	"wx-dispatch/internal/relay"
)

const (
	defaultWorkers     = 4
	defaultPollTimeout = 30 * time.Second
	defaultRetryDelay  = 3 * time.Second
	queueSize          = 64
)

type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

type Processor interface {
	Process(ctx context.Context, ev domain.InboundEvent) error
}

// Poller long-polls the Bot API and fans updates out to a fixed set of
// workers. All events of one chat go to the same worker, so they are handled
// in delivery order while different chats proceed in parallel.
type Poller struct {
	source      UpdateSource
	processor   Processor
	workers     int
	pollTimeout time.Duration
	retryDelay  time.Duration
	logger      *slog.Logger
}

type Option func(*Poller)

func WithWorkers(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(source UpdateSource, processor Processor, opts ...Option) (*Poller, error) {
	if source == nil {
		return nil, errors.New("poller: update source must not be nil")
	}
	if processor == nil {
		return nil, errors.New("poller: processor must not be nil")
	}
	p := &Poller{
		source:      source,
		processor:   processor,
		workers:     defaultWorkers,
		pollTimeout: defaultPollTimeout,
		retryDelay:  defaultRetryDelay,
		logger:      slog.Default().With("component", "poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run polls until ctx is cancelled, then waits for queued events to finish.
// Events already handed to a worker run to completion.
func (p *Poller) Run(ctx context.Context) error {
	queues := make([]chan domain.InboundEvent, p.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan domain.InboundEvent, queueSize)
		wg.Add(1)
		go func(q <-chan domain.InboundEvent) {
			defer wg.Done()
			p.work(context.WithoutCancel(ctx), q)
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	p.logger.Info("polling for updates", "workers", p.workers, "timeout", p.pollTimeout)
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := p.source.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("getUpdates failed", "err", err, "retry_in", p.retryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			metrics.UpdatesReceived.WithLabelValues("poll").Inc()
			ev, ok := u.Event()
			if !ok {
				continue
			}
			select {
			case queues[shard(ev.ChatID, p.workers)] <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *Poller) work(ctx context.Context, q <-chan domain.InboundEvent) {
	for ev := range q {
		evCtx := relay.WithCorrelationID(ctx, "evt-"+strconv.FormatInt(ev.ChatID, 10)+"-"+strconv.FormatInt(ev.EventID, 10))
		// Errors are logged by the relay.
		_ = p.processor.Process(evCtx, ev)
	}
}

func shard(chatID int64, n int) int {
	return int(uint64(chatID) % uint64(n))
}

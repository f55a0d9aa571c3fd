package consumer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/coordination"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/metrics"
	"github.com/optistream/signalcache/internal/store"
)

// Dispatcher is the downstream the consumer hands parsed events to.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.Event) coordination.Result
}

// Consumer reads the event stream through a consumer group and dispatches
// each event to the coordinator. Acknowledgement policy: acked on
// successful dispatch and on permanent classification failures (they
// cannot succeed on redelivery); left pending on transient store errors
// so the group redelivers them.
type Consumer struct {
	store    store.Store
	dispatch Dispatcher
	cfg      config.ConsumerConfig
	metrics  *metrics.Registry
	limiter  *rate.Limiter
	consumer string

	mu      sync.Mutex
	stopped chan struct{}
}

// New builds a consumer identified within the group by consumerName.
func New(st store.Store, d Dispatcher, cfg config.ConsumerConfig, m *metrics.Registry, consumerName string) *Consumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.DispatchRPS > 0 {
		limit = rate.Limit(cfg.DispatchRPS)
	}
	return &Consumer{
		store:    st,
		dispatch: d,
		cfg:      cfg,
		metrics:  m,
		limiter:  rate.NewLimiter(limit, 1),
		consumer: consumerName,
		stopped:  make(chan struct{}),
	}
}

// Run ensures the consumer group exists and then reads until the context
// is cancelled. The in-flight batch is always finished before Run
// returns, so shutdown never abandons half-processed messages.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.stopped)

	if err := c.store.StreamGroupCreate(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	log.Info().Str("stream", c.cfg.Stream).Str("group", c.cfg.Group).
		Str("consumer", c.consumer).Msg("event consumer started")

	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.store.StreamReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.consumer, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("stream read failed")
			if !sleepCtx(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
		backoff = c.cfg.MinBackoff

		// Finish the whole batch even if ctx is cancelled mid-way; the
		// detached context keeps store calls from failing on drain.
		batchCtx := ctx
		if ctx.Err() != nil {
			batchCtx = context.Background()
		}
		for _, msg := range msgs {
			c.handle(batchCtx, msg)
		}
	}
}

// Stopped is closed once Run has fully returned.
func (c *Consumer) Stopped() <-chan struct{} { return c.stopped }

// handle processes one message end to end: parse, throttle, dispatch,
// acknowledge.
func (c *Consumer) handle(ctx context.Context, msg store.Message) {
	event, err := classify(msg, time.Now().UTC())
	if err != nil {
		// Malformed forever; ack so it never redelivers.
		log.Warn().Str("message_id", msg.ID).Err(err).Msg("dropping unparseable event")
		c.observe("unknown", "malformed")
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.limiter.Wait(ctx); err != nil {
		// Cancelled while throttled; leave pending for redelivery.
		c.observe(string(event.Kind), "deferred")
		return
	}

	res, ok := c.safeDispatch(ctx, event)
	if !ok {
		// Leave pending; the group redelivers once the fault clears.
		c.observe(string(event.Kind), "failed")
		return
	}
	if !res.CoordinationSuccess && res.ParticipantsAttempted > 0 {
		// Every participant failed. Treat as transient and let the group
		// redeliver; repeated failures surface via pending-entry growth.
		log.Error().Str("message_id", msg.ID).Str("kind", string(event.Kind)).
			Msg("coordination failed for all participants, leaving pending")
		c.observe(string(event.Kind), "failed")
		return
	}

	c.observe(string(event.Kind), "processed")
	c.ack(ctx, msg.ID)
}

// safeDispatch runs the dispatcher inside a panic boundary so one bad
// event can never take the consumer loop down.
func (c *Consumer) safeDispatch(ctx context.Context, event domain.Event) (res coordination.Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(event.Kind)).Interface("panic", r).
				Msg("dispatch panicked")
			ok = false
		}
	}()
	return c.dispatch.Dispatch(ctx, event), true
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.store.StreamAck(ctx, c.cfg.Stream, c.cfg.Group, id); err != nil {
		log.Warn().Str("message_id", id).Err(err).Msg("ack failed")
	}
}

func (c *Consumer) observe(kind, status string) {
	if c.metrics != nil {
		c.metrics.ConsumedEvents.WithLabelValues(kind, status).Inc()
	}
}

// jitter spreads retries by up to 25% to avoid thundering redeliveries.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

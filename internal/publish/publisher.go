package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

// Signal is one computed signal value bound for a downstream stream.
type Signal struct {
	Name       string
	Instrument string
	Params     map[string]string
	Value      string
	Fields     map[string]string // extra payload fields, optional
}

// Publisher appends computed signals to their marketplace or personal
// streams. Streams are capped so a slow reader cannot grow them without
// bound.
type Publisher struct {
	store store.Store
	cfg   config.PublishConfig
	now   func() time.Time
}

// New builds a publisher.
func New(st store.Store, cfg config.PublishConfig) *Publisher {
	return &Publisher{store: st, cfg: cfg, now: time.Now}
}

// SetClock overrides the clock; used by tests.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Marketplace publishes a signal to its marketplace stream.
func (p *Publisher) Marketplace(ctx context.Context, productID string, sig Signal) (string, error) {
	stream := domain.MarketplaceStream(productID, sig.Instrument, sig.Name, domain.ParamSignature(sig.Params))
	return p.append(ctx, stream, sig)
}

// Personal publishes a signal to one user's personal stream.
func (p *Publisher) Personal(ctx context.Context, userID, signalID string, sig Signal) (string, error) {
	stream := domain.PersonalStream(userID, signalID, sig.Instrument, domain.ParamSignature(sig.Params))
	return p.append(ctx, stream, sig)
}

// append writes the signal entry. Every entry carries its publish time
// and its own stream key so consumers reading a fan-in can attribute
// entries without out-of-band state.
func (p *Publisher) append(ctx context.Context, stream string, sig Signal) (string, error) {
	fields := map[string]string{
		"signal":        sig.Name,
		"instrument":    sig.Instrument,
		"value":         sig.Value,
		"_published_at": p.now().UTC().Format(time.RFC3339Nano),
		"_stream_key":   stream,
	}
	for k, v := range sig.Fields {
		if _, reserved := fields[k]; !reserved {
			fields[k] = v
		}
	}
	id, err := p.store.StreamAppend(ctx, stream, fields, p.cfg.StreamMaxLen)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	log.Debug().Str("stream", stream).Str("id", id).Str("signal", sig.Name).
		Msg("signal published")
	return id, nil
}

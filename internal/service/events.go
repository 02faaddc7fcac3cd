package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// EventPublisher fans domain events out to the signal bus: live on a Pub/Sub
// channel and durably on a stream. Delivery is best effort; failures are
// logged and never fail the operation that produced the event.
type EventPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventPublisher creates an EventPublisher. A nil bus disables publishing.
func NewEventPublisher(bus domain.SignalBus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: bus, logger: logger.With(slog.String("component", "events"))}
}

// Publish sends evt on channel and, when stream is not empty, appends it to
// stream.
func (p *EventPublisher) Publish(ctx context.Context, channel, stream string, evt domain.Event) {
	if p == nil || p.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
	if stream == "" {
		return
	}
	if err := p.bus.StreamAppend(ctx, stream, payload); err != nil {
		p.logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", stream),
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Jobs publishes one event per job snapshot.
func (p *EventPublisher) Jobs(ctx context.Context, jobs ...domain.SettlementJob) {
	for _, j := range jobs {
		p.Publish(ctx, domain.ChannelJobs, domain.StreamJobs, domain.NewJobEvent(j, j.UpdatedAt))
	}
}

// Oracle publishes an oracle protocol event of the given type.
func (p *EventPublisher) Oracle(ctx context.Context, typ string, at time.Time, data domain.OracleEvent) {
	p.Publish(ctx, domain.ChannelOracle, domain.StreamOracle, domain.Event{Type: "oracle." + typ, At: at, Data: data})
}

// Trade publishes an executed trade. Trades are not streamed.
func (p *EventPublisher) Trade(ctx context.Context, at time.Time, data domain.TradeEvent) {
	p.Publish(ctx, domain.ChannelTrades, "", domain.Event{Type: "trade.executed", At: at, Data: data})
}

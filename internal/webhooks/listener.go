package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"webhookd/internal/broker"
	"webhookd/internal/model"
)

// Listener emits events published on broker.TopicEvents by other services.
type Listener struct {
	Broker     broker.Broker
	Dispatcher *Dispatcher
	Log        *slog.Logger
}

// Run consumes the events topic until ctx is done or the broker closes the
// subscription. In-flight emits are not cancelled with ctx; Run returns after
// they finish. An event without a type takes the message type.
func (l *Listener) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	ch := l.Broker.Subscribe(broker.TopicEvents)
	defer l.Broker.Unsubscribe(broker.TopicEvents, ch)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt model.Event
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				log.Warn("skipping undecodable event message", slog.String("type", msg.Type), slog.String("error", err.Error()))
				continue
			}
			if evt.Type == "" {
				evt.Type = msg.Type
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				report, err := l.Dispatcher.Emit(context.WithoutCancel(ctx), evt)
				if err != nil {
					log.Warn("skipping invalid event", slog.String("error", err.Error()))
					return
				}
				log.Info("event emitted from broker", slog.String("event_id", report.EventID), slog.String("event_type", evt.Type),
					slog.Int("attempted", report.SubscriptionsAttempted), slog.Int("failed", report.Failed()))
			}()
		}
	}
}

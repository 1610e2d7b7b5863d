package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"webhookd/internal/broker"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
)

// Delivery outcome message types published on broker.TopicDeliveries.
const (
	MessageDeliverySucceeded = "delivery.succeeded"
	MessageDeliveryFailed    = "delivery.failed"
)

const (
	defaultUserAgent = "webhookd/1.0"
	maxResponseBody  = 1024
	// directTypeLabel is the metrics label for EmitTo deliveries, whose event
	// type never had to match a registered subscription.
	directTypeLabel  = "other"
)

// SubscriptionLister is the read side of the subscription registry.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// DeliveryMessage is the broker payload for one delivery outcome.
type DeliveryMessage struct {
	EventID   string               `json:"event_id"`
	EventType string               `json:"event_type"`
	Result    model.DeliveryResult `json:"result"`
}

// Dispatcher fans an event out to every matching subscription concurrently.
type Dispatcher struct {
	subs     SubscriptionLister
	recorder *Recorder
	http     *http.Client
	log      *slog.Logger
	broker   broker.Broker
	retries  bool
	ua       string
	now      func() time.Time
	backoff  func(attempt int) time.Duration
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithBroker publishes every delivery outcome on broker.TopicDeliveries.
func WithBroker(b broker.Broker) Option { return func(d *Dispatcher) { d.broker = b } }

// WithRetries makes each target get up to 1+retries attempts instead of one.
func WithRetries(on bool) Option { return func(d *Dispatcher) { d.retries = on } }

func WithUserAgent(ua string) Option {
	return func(d *Dispatcher) {
		if ua != "" {
			d.ua = ua
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(subs SubscriptionLister, recorder *Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:     subs,
		recorder: recorder,
		http:     &http.Client{},
		log:      slog.Default(),
		ua:       defaultUserAgent,
		now:      time.Now,
		backoff:  nextBackoff,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Emit delivers evt to every active subscription listing its type. Only an
// invalid event is an error; per-target failures are reported in the result.
func (d *Dispatcher) Emit(ctx context.Context, evt model.Event) (model.DeliveryReport, error) {
	if err := evt.Validate(); err != nil {
		return model.DeliveryReport{}, err
	}
	evt = evt.WithDefaults(d.now())
	subs, err := d.subs.ListSubscriptions(ctx)
	if err != nil {
		d.log.Error("list subscriptions failed", slog.String("event_type", evt.Type), slog.String("error", err.Error()))
		subs = nil
	}
	matched := make([]model.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Matches(evt.Type) {
			matched = append(matched, s)
		}
	}
	return d.fanOut(ctx, evt, matched, evt.Type)
}

// EmitTo delivers evt to the given URLs directly, bypassing the registry.
// Targets are unsigned and get a single attempt with the default timeout.
// Their deliveries are counted under the "other" event type label.
func (d *Dispatcher) EmitTo(ctx context.Context, evt model.Event, urls []string) (model.DeliveryReport, error) {
	if err := evt.Validate(); err != nil {
		return model.DeliveryReport{}, err
	}
	evt = evt.WithDefaults(d.now())
	targets := make([]model.Subscription, 0, len(urls))
	for _, u := range urls {
		targets = append(targets, model.Subscription{URL: u, Events: model.EventTypes{evt.Type}, Active: true, TimeoutMs: model.DefaultTimeoutMs})
	}
	return d.fanOut(ctx, evt, targets, directTypeLabel)
}

// fanOut delivers to every target and waits for all of them. label is the
// event_type used for delivery metrics.
func (d *Dispatcher) fanOut(ctx context.Context, evt model.Event, targets []model.Subscription, label string) (model.DeliveryReport, error) {
	report := model.DeliveryReport{OK: true, EventID: evt.ID, SubscriptionsAttempted: len(targets), Results: []model.DeliveryResult{}}
	if len(targets) == 0 {
		return report, nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return model.DeliveryReport{}, fmt.Errorf("%w: event: %v", model.ErrInvalidInput, err)
	}
	results := make([]model.DeliveryResult, len(targets))
	var wg sync.WaitGroup
	for i, sub := range targets {
		wg.Add(1)
		go func(i int, sub model.Subscription) {
			defer wg.Done()
			results[i] = d.deliver(ctx, evt, body, sub, label)
			d.publish(ctx, evt, results[i])
		}(i, sub)
	}
	wg.Wait()
	report.Results = results
	if n := report.Failed(); n > 0 {
		d.log.Warn("webhook deliveries failed", slog.String("event_id", evt.ID), slog.String("event_type", evt.Type), slog.Int("failed", n), slog.Int("attempted", len(targets)))
	}
	return report, nil
}

// deliver makes the attempts for one target. Each request is bounded by the
// subscription timeout only; ctx cancellation stops further retries but never
// aborts a request already in flight.
func (d *Dispatcher) deliver(ctx context.Context, evt model.Event, body []byte, sub model.Subscription, label string) model.DeliveryResult {
	res := model.DeliveryResult{SubscriptionID: sub.ID, URL: sub.URL}
	reqCtx := context.WithoutCancel(ctx)
	attempts := 1
	if d.retries && sub.Retries > 0 {
		attempts += sub.Retries
	}
	start := d.now()
	for n := 1; n <= attempts; n++ {
		if n > 1 && !sleepCtx(ctx, d.backoff(n-2)) {
			break
		}
		res.Attempts = n
		status, respBody, err := d.post(reqCtx, evt, body, sub, label)
		res.Status = status
		if err == nil && status >= 200 && status < 300 {
			res.Success = true
			res.Error = ""
			break
		}
		msg := fmt.Sprintf("HTTP %d", status)
		if err != nil {
			msg = err.Error()
		}
		res.Error = msg
		d.recorder.Record(ctx, model.FailureRecord{
			SubscriptionID: sub.ID,
			URL:            sub.URL,
			EventType:      evt.Type,
			EventID:        evt.ID,
			Payload:        body,
			Status:         status,
			ResponseBody:   respBody,
			Attempt:        n,
			ErrorMessage:   msg,
		})
	}
	res.DurationMs = d.now().Sub(start).Milliseconds()
	return res
}

// post makes one delivery attempt bounded by the subscription timeout.
// status is 0 when no response was received.
func (d *Dispatcher) post(ctx context.Context, evt model.Event, body []byte, sub model.Subscription, label string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.ua)
	req.Header.Set("X-Event-Type", evt.Type)
	req.Header.Set("X-Idempotency-Key", evt.ID)
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(sub.Secret, body))
	}
	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		metrics.ObserveDelivery(label, false, time.Since(start))
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	var snippet string
	if !ok {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		snippet = string(b)
	}
	metrics.ObserveDelivery(label, ok, time.Since(start))
	return resp.StatusCode, snippet, nil
}

func (d *Dispatcher) publish(ctx context.Context, evt model.Event, res model.DeliveryResult) {
	if d.broker == nil {
		return
	}
	typ := MessageDeliverySucceeded
	if !res.Success {
		typ = MessageDeliveryFailed
	}
	msg := DeliveryMessage{EventID: evt.ID, EventType: evt.Type, Result: res}
	if err := broker.PublishJSON(context.WithoutCancel(ctx), d.broker, broker.TopicDeliveries, typ, msg); err != nil {
		d.log.Warn("publish delivery outcome failed", slog.String("event_id", evt.ID), slog.String("error", err.Error()))
	}
}

// nextBackoff is the wait before retry attempt+1: 500ms doubling, capped at 15s.
func nextBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		attempt = 5
	}
	base := 500 * time.Millisecond * time.Duration(1<<attempt)
	if base > 15*time.Second {
		base = 15 * time.Second
	}
	return base
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

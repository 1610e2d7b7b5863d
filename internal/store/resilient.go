package store

import (
	"context"
	"log/slog"

	"webhookd/internal/model"
)

// Resilient tries the primary store and, on any error, logs a warning and
// serves the operation from the fallback instead. Callers never see a
// primary-store error.
type Resilient struct {
	primary  Store
	fallback Store
	log      *slog.Logger
	mirror   bool
	onFall   func(op string)
}

type ResilientOption func(*Resilient)

func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMirror copies every successful primary write into the fallback too,
// so the fallback can serve updates and deletes for primary-created records.
func WithMirror(on bool) ResilientOption { return func(r *Resilient) { r.mirror = on } }

// WithFallbackCounter is called with the operation name each time the fallback is used.
func WithFallbackCounter(fn func(op string)) ResilientOption {
	return func(r *Resilient) { r.onFall = fn }
}

// NewResilient wraps primary with fallback. A nil primary means every call goes
// straight to the fallback.
func NewResilient(primary, fallback Store, opts ...ResilientOption) *Resilient {
	r := &Resilient{primary: primary, fallback: fallback, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resilient) degrade(op string, err error) {
	r.log.Warn("primary store failed, using fallback", slog.String("op", op), slog.String("error", err.Error()))
	if r.onFall != nil {
		r.onFall(op)
	}
}

func (r *Resilient) mirrorErr(op string, err error) {
	if err != nil {
		r.log.Warn("fallback mirror write failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

func (r *Resilient) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	if r.primary != nil {
		subs, err := r.primary.ListSubscriptions(ctx)
		if err == nil {
			return subs, nil
		}
		r.degrade("list", err)
	}
	return r.fallback.ListSubscriptions(ctx)
}

func (r *Resilient) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if r.primary != nil {
		created, err := r.primary.CreateSubscription(ctx, sub)
		if err == nil {
			if r.mirror {
				_, merr := r.fallback.CreateSubscription(ctx, created)
				r.mirrorErr("create", merr)
			}
			return created, nil
		}
		r.degrade("create", err)
	}
	return r.fallback.CreateSubscription(ctx, sub)
}

func (r *Resilient) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) error {
	if r.primary != nil {
		err := r.primary.UpdateSubscription(ctx, id, patch)
		if err == nil {
			if r.mirror {
				r.mirrorErr("update", r.fallback.UpdateSubscription(ctx, id, patch))
			}
			return nil
		}
		r.degrade("update", err)
	}
	return r.fallback.UpdateSubscription(ctx, id, patch)
}

func (r *Resilient) DeleteSubscription(ctx context.Context, id string) error {
	if r.primary != nil {
		err := r.primary.DeleteSubscription(ctx, id)
		if err == nil {
			if r.mirror {
				r.mirrorErr("delete", r.fallback.DeleteSubscription(ctx, id))
			}
			return nil
		}
		r.degrade("delete", err)
	}
	return r.fallback.DeleteSubscription(ctx, id)
}

func (r *Resilient) RecordFailure(ctx context.Context, rec model.FailureRecord) error {
	if r.primary != nil {
		err := r.primary.RecordFailure(ctx, rec)
		if err == nil {
			return nil
		}
		r.degrade("record_failure", err)
	}
	return r.fallback.RecordFailure(ctx, rec)
}

func (r *Resilient) ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
	if r.primary != nil {
		recs, err := r.primary.ListFailures(ctx, limit)
		if err == nil {
			return recs, nil
		}
		r.degrade("list_failures", err)
	}
	return r.fallback.ListFailures(ctx, limit)
}

func (r *Resilient) SaveInbound(ctx context.Context, rec model.InboundRecord) error {
	if r.primary != nil {
		err := r.primary.SaveInbound(ctx, rec)
		if err == nil {
			return nil
		}
		r.degrade("save_inbound", err)
	}
	return r.fallback.SaveInbound(ctx, rec)
}

// Ping reports primary health. With no primary, or one that cannot ping, it is nil.
func (r *Resilient) Ping(ctx context.Context) error {
	if p, ok := r.primary.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// HasPrimary reports whether a primary store is configured.
func (r *Resilient) HasPrimary() bool { return r.primary != nil }

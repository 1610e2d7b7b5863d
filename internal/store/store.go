package store

import (
    "context"
    "errors"
    "fmt"

    "webhookd/internal/model"
)

// Store is the persistence interface for webhook subscriptions, failure
// records and inbound payloads.
type Store interface {
    // Subscriptions, newest first.
    ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
    CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
    UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) error
    DeleteSubscription(ctx context.Context, id string) error

    // Failure log. The store sets the record timestamp.
    RecordFailure(ctx context.Context, rec model.FailureRecord) error
    ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error)

    // Inbound webhook sink.
    SaveInbound(ctx context.Context, rec model.InboundRecord) error
}

var (
    ErrNotFound    = errors.New("not found")
    ErrUnavailable = errors.New("store unavailable")
)

// APIError is a non-2xx response from a remote record store.
type APIError struct {
    Op     string
    Status int
    Body   string
}

func (e *APIError) Error() string {
    return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *APIError) Is(target error) bool {
    return target == ErrNotFound && e.Status == 404
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
    Ping(ctx context.Context) error
}

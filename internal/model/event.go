package model

import (
    "encoding/json"
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"
)

// DefaultEventSource labels events that did not name their origin.
const DefaultEventSource = "api"

// Event is an inbound event to fan out. It is never persisted in full.
type Event struct {
    ID        string          `json:"id"`
    Type      string          `json:"type"`
    Timestamp string          `json:"timestamp"`
    Source    string          `json:"source"`
    Data      json.RawMessage `json:"data"`
    Metadata  json.RawMessage `json:"metadata"`
}

func (e Event) Validate() error {
    if strings.TrimSpace(e.Type) == "" {
        return fmt.Errorf("%w: type is required", ErrInvalidInput)
    }
    return nil
}

// WithDefaults fills id, timestamp, source, data and metadata when omitted.
func (e Event) WithDefaults(now time.Time) Event {
    if e.ID == "" {
        e.ID = uuid.NewString()
    }
    if e.Timestamp == "" {
        e.Timestamp = now.UTC().Format(time.RFC3339Nano)
    }
    if e.Source == "" {
        e.Source = DefaultEventSource
    }
    if len(e.Data) == 0 || string(e.Data) == "null" {
        e.Data = json.RawMessage(`{}`)
    }
    if len(e.Metadata) == 0 || string(e.Metadata) == "null" {
        e.Metadata = json.RawMessage(`{}`)
    }
    return e
}

// DeliveryResult is the outcome for one target of an emit.
type DeliveryResult struct {
    SubscriptionID string `json:"subscription_id"`
    URL            string `json:"url"`
    Success        bool   `json:"success"`
    Status         int    `json:"status,omitempty"`
    Attempts       int    `json:"attempts"`
    Error          string `json:"error,omitempty"`
    DurationMs     int64  `json:"duration_ms"`
}

// DeliveryReport is the per-target breakdown returned from an emit.
type DeliveryReport struct {
    OK                     bool             `json:"ok"`
    EventID                string           `json:"event_id"`
    SubscriptionsAttempted int              `json:"subscriptions_attempted"`
    Results                []DeliveryResult `json:"results"`
}

// Failed counts the targets that did not succeed.
func (r DeliveryReport) Failed() int {
    n := 0
    for _, res := range r.Results {
        if !res.Success {
            n++
        }
    }
    return n
}

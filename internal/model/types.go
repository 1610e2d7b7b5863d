package model

import (
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"
)

// Subscription defaults applied on create.
const (
    DefaultTimeoutMs = 8000
    DefaultRetries   = 3
)

// ErrInvalidInput marks client input errors (reported as 400 at the HTTP boundary).
var ErrInvalidInput = errors.New("invalid input")

// EventTypes is the set of event types a subscription wants. It decodes from
// either a JSON array or a comma-separated string.
type EventTypes []string

func (e *EventTypes) UnmarshalJSON(b []byte) error {
    var raw any
    if err := json.Unmarshal(b, &raw); err != nil {
        return err
    }
    switch v := raw.(type) {
    case nil:
        *e = nil
    case string:
        *e = ParseEventTypes(v)
    case []any:
        out := make(EventTypes, 0, len(v))
        for _, it := range v {
            s, ok := it.(string)
            if !ok {
                return fmt.Errorf("events: expected string, got %T", it)
            }
            if s = strings.TrimSpace(s); s != "" {
                out = append(out, s)
            }
        }
        *e = out
    default:
        return fmt.Errorf("events: expected array or string, got %T", raw)
    }
    return nil
}

// ParseEventTypes splits a comma-separated list, trimming entries and dropping empties.
func ParseEventTypes(s string) EventTypes {
    out := EventTypes{}
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}

// Contains reports whether t is one of the event types.
func (e EventTypes) Contains(t string) bool {
    for _, x := range e {
        if x == t {
            return true
        }
    }
    return false
}

// Subscription is a registered outbound webhook target.
type Subscription struct {
    ID          string     `json:"id"`
    URL         string     `json:"url"`
    Events      EventTypes `json:"events"`
    Secret      string     `json:"secret"`
    Active      bool       `json:"active"`
    TimeoutMs   int        `json:"timeout_ms"`
    Retries     int        `json:"retries"`
    Description string     `json:"description"`
    Created     time.Time  `json:"created,omitempty"`
}

// Matches reports whether an event of the given type should be delivered here.
func (s Subscription) Matches(eventType string) bool {
    return s.Active && s.Events.Contains(eventType)
}

// Timeout is the per-delivery HTTP timeout.
func (s Subscription) Timeout() time.Duration {
    if s.TimeoutMs <= 0 {
        return DefaultTimeoutMs * time.Millisecond
    }
    return time.Duration(s.TimeoutMs) * time.Millisecond
}

// SubscriptionInput is the create request body.
type SubscriptionInput struct {
    URL         string     `json:"url"`
    Events      EventTypes `json:"events"`
    Secret      string     `json:"secret,omitempty"`
    Active      *bool      `json:"active,omitempty"`
    TimeoutMs   *int       `json:"timeout_ms,omitempty"`
    Retries     *int       `json:"retries,omitempty"`
    Description string     `json:"description,omitempty"`
}

func (in SubscriptionInput) Validate() error {
    if strings.TrimSpace(in.URL) == "" {
        return fmt.Errorf("%w: url is required", ErrInvalidInput)
    }
    if len(in.Events) == 0 {
        return fmt.Errorf("%w: events is required", ErrInvalidInput)
    }
    return nil
}

// Normalize returns the subscription to persist, with defaults filled in.
func (in SubscriptionInput) Normalize() Subscription {
    s := Subscription{
        URL:         strings.TrimSpace(in.URL),
        Events:      in.Events,
        Secret:      in.Secret,
        Active:      true,
        TimeoutMs:   DefaultTimeoutMs,
        Retries:     DefaultRetries,
        Description: in.Description,
    }
    if s.Events == nil {
        s.Events = EventTypes{}
    }
    if in.Active != nil {
        s.Active = *in.Active
    }
    if in.TimeoutMs != nil && *in.TimeoutMs > 0 {
        s.TimeoutMs = *in.TimeoutMs
    }
    if in.Retries != nil && *in.Retries >= 0 {
        s.Retries = *in.Retries
    }
    return s
}

// SubscriptionPatch is a partial update; nil fields are left untouched.
type SubscriptionPatch struct {
    URL         *string     `json:"url,omitempty"`
    Events      *EventTypes `json:"events,omitempty"`
    Secret      *string     `json:"secret,omitempty"`
    Active      *bool       `json:"active,omitempty"`
    TimeoutMs   *int        `json:"timeout_ms,omitempty"`
    Retries     *int        `json:"retries,omitempty"`
    Description *string     `json:"description,omitempty"`
}

// Apply merges the patch into s. The id never changes.
func (p SubscriptionPatch) Apply(s *Subscription) {
    if p.URL != nil {
        s.URL = *p.URL
    }
    if p.Events != nil {
        s.Events = *p.Events
    }
    if p.Secret != nil {
        s.Secret = *p.Secret
    }
    if p.Active != nil {
        s.Active = *p.Active
    }
    if p.TimeoutMs != nil {
        s.TimeoutMs = *p.TimeoutMs
    }
    if p.Retries != nil {
        s.Retries = *p.Retries
    }
    if p.Description != nil {
        s.Description = *p.Description
    }
}

// Fields returns the patch as a record field map, for stores that update by field.
func (p SubscriptionPatch) Fields() map[string]any {
    m := map[string]any{}
    if p.URL != nil {
        m["url"] = *p.URL
    }
    if p.Events != nil {
        m["events"] = []string(*p.Events)
    }
    if p.Secret != nil {
        m["secret"] = *p.Secret
    }
    if p.Active != nil {
        m["active"] = *p.Active
    }
    if p.TimeoutMs != nil {
        m["timeout_ms"] = *p.TimeoutMs
    }
    if p.Retries != nil {
        m["retries"] = *p.Retries
    }
    if p.Description != nil {
        m["description"] = *p.Description
    }
    return m
}

// FailureRecord is one failed delivery attempt.
type FailureRecord struct {
    SubscriptionID string          `json:"subscription_id,omitempty"`
    URL            string          `json:"url"`
    EventType      string          `json:"event_type"`
    EventID        string          `json:"event_id,omitempty"`
    Payload        json.RawMessage `json:"payload,omitempty"`
    Status         int             `json:"status,omitempty"`
    ResponseBody   string          `json:"response_body,omitempty"`
    Attempt        int             `json:"attempt"`
    ErrorMessage   string          `json:"error_message,omitempty"`
    Timestamp      time.Time       `json:"timestamp"`
}

// InboundRecord is a raw payload received on /receive/{identifier}.
type InboundRecord struct {
    Identifier     string          `json:"identifier"`
    Payload        json.RawMessage `json:"payload"`
    Signature      string          `json:"signature,omitempty"`
    SignatureValid *bool           `json:"signature_valid,omitempty"`
    Timestamp      time.Time       `json:"timestamp"`
    Processed      bool            `json:"processed"`
}

// Package broker fans delivery outcomes and triggered events out to in-process
// or cross-process subscribers.
package broker

import (
    "context"
    "encoding/json"
    "sync"
)

// Topics used by the service.
const (
    TopicDeliveries = "deliveries"
    TopicEvents     = "events"
)

// Message is one published item.
type Message struct {
    Type string          `json:"type"`
    Data json.RawMessage `json:"data,omitempty"`
}

// Broker is a topic-based pub/sub. Publish never blocks on slow subscribers;
// a full subscriber buffer drops the message for that subscriber.
type Broker interface {
    Subscribe(topic string) chan Message
    Unsubscribe(topic string, ch chan Message)
    Publish(ctx context.Context, topic string, msg Message) error
    Close() error
}

// Memory is the in-process Broker.
type Memory struct {
    mu     sync.Mutex
    subs   map[string]map[chan Message]struct{} // topic -> set of channels
    closed bool
}

func NewMemory() *Memory {
    return &Memory{subs: map[string]map[chan Message]struct{}{}}
}

func (b *Memory) Subscribe(topic string) chan Message {
    ch := make(chan Message, 16)
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed {
        close(ch)
        return ch
    }
    if b.subs[topic] == nil { b.subs[topic] = map[chan Message]struct{}{} }
    b.subs[topic][ch] = struct{}{}
    return ch
}

func (b *Memory) Unsubscribe(topic string, ch chan Message) {
    b.mu.Lock()
    defer b.mu.Unlock()
    m := b.subs[topic]
    if _, ok := m[ch]; !ok {
        return
    }
    delete(m, ch)
    if len(m) == 0 { delete(b.subs, topic) }
    close(ch)
}

func (b *Memory) Publish(_ context.Context, topic string, msg Message) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    for ch := range b.subs[topic] {
        select { case ch <- msg: default: }
    }
    return nil
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Memory) Close() error {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed {
        return nil
    }
    b.closed = true
    for topic, m := range b.subs {
        for ch := range m {
            close(ch)
        }
        delete(b.subs, topic)
    }
    return nil
}

// PublishJSON marshals v as the message data and publishes it.
func PublishJSON(ctx context.Context, b Broker, topic, typ string, v any) error {
    data, err := json.Marshal(v)
    if err != nil {
        return err
    }
    return b.Publish(ctx, topic, Message{Type: typ, Data: data})
}

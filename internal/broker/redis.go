package broker

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Redis implements Broker over Redis Pub/Sub, so several service instances
// share delivery streams and event triggers.
type Redis struct {
    rdb    *redis.Client
    prefix string

    mu   sync.Mutex
    subs map[chan Message]*redis.PubSub
}

// NewRedis connects to url (redis://...) and checks the connection.
func NewRedis(url string) (*Redis, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, fmt.Errorf("redis url: %w", err) }
    rdb := redis.NewClient(opt)
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return &Redis{rdb: rdb, prefix: "webhookd:", subs: map[chan Message]*redis.PubSub{}}, nil
}

func (b *Redis) Subscribe(topic string) chan Message {
    ch := make(chan Message, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(topic))
    // wait for the subscription confirmation so no publish right after is missed
    _, _ = ps.Receive(ctx)
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var m Message
            if err := json.Unmarshal([]byte(msg.Payload), &m); err == nil {
                select { case ch <- m: default: }
            }
        }
    }()
    return ch
}

// Unsubscribe closes the underlying Redis subscription; ch is closed once the
// forwarding goroutine drains.
func (b *Redis) Unsubscribe(_ string, ch chan Message) {
    b.mu.Lock()
    ps, ok := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ok { _ = ps.Close() }
}

func (b *Redis) Publish(ctx context.Context, topic string, msg Message) error {
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    data, err := json.Marshal(msg)
    if err != nil { return err }
    return b.rdb.Publish(ctx, b.chanName(topic), data).Err()
}

func (b *Redis) Close() error {
    b.mu.Lock()
    subs := b.subs
    b.subs = map[chan Message]*redis.PubSub{}
    b.mu.Unlock()
    for _, ps := range subs {
        _ = ps.Close()
    }
    return b.rdb.Close()
}

func (b *Redis) chanName(topic string) string { return b.prefix + topic }

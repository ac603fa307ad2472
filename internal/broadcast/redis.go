package broadcast

import (
    "context"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// RedisBroker fans messages out over Redis Pub/Sub so every API replica sees them.
type RedisBroker struct {
    rdb *redis.Client
    mu  sync.Mutex
    ps  map[chan Message]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    rdb := redis.NewClient(opt)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, err
    }
    return &RedisBroker{rdb: rdb, ps: map[chan Message]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(topic string) chan Message {
    ch := make(chan Message, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, topic)
    // initial consume to ensure subscription
    _, _ = ps.Receive(ctx)
    b.mu.Lock()
    b.ps[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            if m, ok := decode([]byte(msg.Payload)); ok {
                select { case ch <- m: default: }
            }
        }
    }()
    return ch
}

// Unsubscribe closes the Redis subscription; ch is closed once its reader exits.
func (b *RedisBroker) Unsubscribe(topic string, ch chan Message) {
    b.mu.Lock()
    ps := b.ps[ch]
    delete(b.ps, ch)
    b.mu.Unlock()
    if ps != nil { _ = ps.Close() }
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, msg Message) error {
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    data, err := encode(msg)
    if err != nil { return err }
    return b.rdb.Publish(ctx, topic, data).Err()
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

package broadcast

import (
    "context"
    "log"
    "strings"
    "sync"

    "github.com/nats-io/nats.go"
)

// NATSBroker publishes each topic as a NATS subject.
type NATSBroker struct {
    nc   *nats.Conn
    mu   sync.Mutex
    subs map[chan Message]*natsSub
}

type natsSub struct {
    mu     sync.Mutex
    sub    *nats.Subscription
    closed bool
}

func NewNATSBroker(url string) (*NATSBroker, error) {
    nc, err := nats.Connect(url,
        nats.Name("bustrack"),
        nats.DisconnectHandler(func(_ *nats.Conn) { log.Printf("nats disconnected") }),
        nats.ReconnectHandler(func(_ *nats.Conn) { log.Printf("nats reconnected") }),
        nats.ClosedHandler(func(_ *nats.Conn) { log.Printf("nats closed") }),
    )
    if err != nil { return nil, err }
    return &NATSBroker{nc: nc, subs: map[chan Message]*natsSub{}}, nil
}

func (b *NATSBroker) Close() {
    if b.nc == nil { return }
    _ = b.nc.Drain()
    b.nc.Close()
}

func (b *NATSBroker) Publish(ctx context.Context, topic string, msg Message) error {
    if err := ctx.Err(); err != nil { return err }
    data, err := encode(msg)
    if err != nil { return err }
    return b.nc.Publish(subjectToken(topic), data)
}

func (b *NATSBroker) Subscribe(topic string) chan Message {
    ch := make(chan Message, 16)
    s := &natsSub{}
    sub, err := b.nc.Subscribe(subjectToken(topic), func(m *nats.Msg) {
        msg, ok := decode(m.Data)
        if !ok { return }
        s.mu.Lock(); defer s.mu.Unlock()
        if s.closed { return }
        select { case ch <- msg: default: }
    })
    if err != nil {
        log.Printf("nats subscribe %s: %v", topic, err)
        close(ch)
        return ch
    }
    s.sub = sub
    b.mu.Lock()
    b.subs[ch] = s
    b.mu.Unlock()
    return ch
}

// Unsubscribe stops delivery and closes ch.
func (b *NATSBroker) Unsubscribe(topic string, ch chan Message) {
    b.mu.Lock()
    s := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if s == nil { return }
    _ = s.sub.Unsubscribe()
    s.mu.Lock()
    s.closed = true
    close(ch)
    s.mu.Unlock()
}

// subjectToken makes a topic safe as a NATS subject: no spaces, wildcards or dots.
func subjectToken(s string) string {
    s = strings.TrimSpace(s)
    repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
    s = repl.Replace(s)
    if s == "" { s = "_" }
    return s
}

package broadcast

import (
    "context"
    "encoding/json"
    "strings"
    "sync"
    "time"
    "unicode"
)

// Message types carried on a route topic.
const (
    TypeLocation     = "location"
    TypeNotification = "notification"
    TypeCheckIn      = "student_check_in"
)

// Message is the JSON payload delivered to route subscribers. Notifications
// with a TargetStudentID are meant for that student only; subscribers filter.
type Message struct {
    Type            string    `json:"type"`
    Lat             *float64  `json:"latitude,omitempty"`
    Lng             *float64  `json:"longitude,omitempty"`
    Title           string    `json:"title,omitempty"`
    Body            string    `json:"body,omitempty"`
    TargetStudentID string    `json:"targetStudentId,omitempty"`
    StudentID       string    `json:"studentId,omitempty"`
    IsBoarding      *bool     `json:"isBoarding,omitempty"`
    TS              time.Time `json:"ts"`
}

// For reports whether a subscriber watching as studentID should see m.
// An empty studentID sees only unaddressed messages.
func (m Message) For(studentID string) bool {
    return m.TargetStudentID == "" || m.TargetStudentID == studentID
}

// Topic returns the group name for a route, e.g. "Route A" -> "bus_route_Route_A".
func Topic(routeName string) string {
    var b strings.Builder
    b.WriteString("bus_route_")
    for _, r := range routeName {
        if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
            b.WriteRune(r)
        } else {
            b.WriteByte('_')
        }
    }
    return b.String()
}

type Broker interface {
    Publish(ctx context.Context, topic string, msg Message) error
    Subscribe(topic string) chan Message
    Unsubscribe(topic string, ch chan Message)
}

func encode(msg Message) ([]byte, error) {
    if msg.TS.IsZero() { msg.TS = time.Now().UTC() }
    return json.Marshal(msg)
}

func decode(data []byte) (Message, bool) {
    var msg Message
    if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" { return Message{}, false }
    return msg, true
}

// Hub is the in-process broker. Slow subscribers miss messages rather than
// blocking publishers.
type Hub struct {
    mu   sync.Mutex
    subs map[string]map[chan Message]struct{} // topic -> set of channels
}

func NewHub() *Hub {
    return &Hub{subs: map[string]map[chan Message]struct{}{}}
}

func (h *Hub) Subscribe(topic string) chan Message {
    ch := make(chan Message, 16)
    h.mu.Lock()
    if h.subs[topic] == nil { h.subs[topic] = map[chan Message]struct{}{} }
    h.subs[topic][ch] = struct{}{}
    h.mu.Unlock()
    return ch
}

func (h *Hub) Unsubscribe(topic string, ch chan Message) {
    h.mu.Lock()
    defer h.mu.Unlock()
    m := h.subs[topic]
    if _, ok := m[ch]; !ok { return }
    delete(m, ch)
    if len(m) == 0 { delete(h.subs, topic) }
    close(ch)
}

func (h *Hub) Publish(ctx context.Context, topic string, msg Message) error {
    if err := ctx.Err(); err != nil { return err }
    if msg.TS.IsZero() { msg.TS = time.Now().UTC() }
    h.mu.Lock()
    for ch := range h.subs[topic] {
        select { case ch <- msg: default: }
    }
    h.mu.Unlock()
    return nil
}

// Subscribers returns the number of local subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
    h.mu.Lock(); defer h.mu.Unlock()
    return len(h.subs[topic])
}

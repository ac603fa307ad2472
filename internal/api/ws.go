package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bustrack/internal/broadcast"
	"bustrack/internal/metrics"
	"bustrack/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPongWait  = 60 * time.Second
	wsPingEvery = 20 * time.Second
	wsWriteWait = 10 * time.Second
)

// WSHandler handles /ws?route=<id> for drivers and dashboards and
// /ws?student=<id> for riders. A student connection only receives route-wide
// messages and those addressed to that student.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	routeID, studentID := q.Get("route"), q.Get("student")
	if studentID != "" {
		st, err := s.Store.GetStudent(r.Context(), studentID)
		if err != nil { writeError(w, r, err); return }
		if st.RouteID == nil {
			writeProblem(w, http.StatusNotFound, "Waitlisted", "student is not assigned to a route", r.URL.Path)
			return
		}
		routeID = *st.RouteID
	}
	if routeID == "" {
		writeError(w, r, model.Invalidf("route or student query parameter is required"))
		return
	}
	rt, err := s.Store.GetRoute(r.Context(), routeID)
	if err != nil { writeError(w, r, err); return }

	// Subscribe before the handshake completes so nothing published after the
	// client sees the upgrade is missed.
	topic := broadcast.Topic(rt.Name)
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	// Read loop only services pongs and notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(wsPongWait)); return nil })
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			if !msg.For(studentID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

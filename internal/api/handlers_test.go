package api

import (
    "bytes"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "bustrack/internal/broadcast"
    "bustrack/internal/config"
    "bustrack/internal/geo"
    "bustrack/internal/geofence"
    "bustrack/internal/model"
    "bustrack/internal/opt"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    s, err := NewServer(config.Default())
    if err != nil { t.Fatalf("NewServer: %v", err) }
    t.Cleanup(s.Close)
    return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
    t.Helper()
    var buf bytes.Buffer
    if body != nil {
        if s, ok := body.(string); ok {
            buf.WriteString(s)
        } else if err := json.NewEncoder(&buf).Encode(body); err != nil {
            t.Fatalf("encode: %v", err)
        }
    }
    req := httptest.NewRequest(method, path, &buf)
    req.Header.Set("Content-Type", "application/json")
    rr := httptest.NewRecorder()
    h.ServeHTTP(rr, req)
    return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
    t.Helper()
    var v T
    if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
        t.Fatalf("decode %q: %v", rr.Body.String(), err)
    }
    return v
}

// seedStudents registers n students living 1km, 2km, ... north of campus.
func seedStudents(t *testing.T, s *Server, h http.Handler, n int) []model.Student {
    t.Helper()
    campus := model.GeoPoint{Lat: s.Config.Campus.Lat, Lng: s.Config.Campus.Lng}
    out := make([]model.Student, 0, n)
    for i := 0; i < n; i++ {
        rr := do(t, h, http.MethodPost, "/v1/students", model.StudentIn{Name: fmt.Sprintf("Student %d", i), StudentNo: fmt.Sprintf("S%03d", i)})
        if rr.Code != http.StatusCreated { t.Fatalf("create student: %d %s", rr.Code, rr.Body) }
        st := decode[model.Student](t, rr)
        p := geo.Offset(campus, float64(i+1)*1000, 0)
        rr = do(t, h, http.MethodPut, "/v1/students/"+st.ID+"/location", model.StudentLocationIn{Address: fmt.Sprintf("%d Main St", i), Lat: &p.Lat, Lng: &p.Lng})
        if rr.Code != http.StatusOK { t.Fatalf("set location: %d %s", rr.Code, rr.Body) }
        out = append(out, decode[model.Student](t, rr))
    }
    return out
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
    rr := do(t, h, http.MethodGet, "/metrics", nil)
    if rr.Code != 200 { t.Fatalf("metrics: got %d", rr.Code) }
}

func TestOptimizeAndMyRoute(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    students := seedStudents(t, s, h, 6)

    rr := do(t, h, http.MethodPost, "/v1/optimize", nil)
    if rr.Code != 200 { t.Fatalf("optimize: %d %s", rr.Code, rr.Body) }
    rep := decode[opt.Report](t, rr)
    if len(rep.Created) != 1 || rep.Created[0].RouteName != "Route A" { t.Fatalf("created: %+v", rep.Created) }
    if rep.Waitlisted != 1 { t.Fatalf("waitlisted: got %d", rep.Waitlisted) }

    // farthest student is picked up first
    rr = do(t, h, http.MethodGet, "/v1/routes/"+rep.Created[0].RouteID, nil)
    if rr.Code != 200 { t.Fatalf("route: %d", rr.Code) }
    rs := decode[model.RouteStops](t, rr)
    if len(rs.Stops) != 5 { t.Fatalf("stops: got %d", len(rs.Stops)) }
    if rs.Stops[0].ID != students[4].ID || rs.Stops[4].ID != students[0].ID {
        t.Fatalf("unexpected order: first=%s last=%s", rs.Stops[0].Name, rs.Stops[4].Name)
    }
    if *rs.Stops[0].PickupOrder != 1 { t.Fatalf("pickup order: %d", *rs.Stops[0].PickupOrder) }

    rr = do(t, h, http.MethodGet, "/v1/students/"+students[0].ID+"/route", nil)
    if rr.Code != 200 { t.Fatalf("my route: %d %s", rr.Code, rr.Body) }

    rr = do(t, h, http.MethodGet, "/v1/students/"+students[5].ID+"/route", nil)
    if rr.Code != http.StatusNotFound { t.Fatalf("waitlisted my route: %d", rr.Code) }
    p := decode[Problem](t, rr)
    want := "You are on the waitlist. 1 student(s) are waiting for a new route (need 5)."
    if p.Detail != want { t.Fatalf("detail: got %q", p.Detail) }

    rr = do(t, h, http.MethodGet, "/v1/waitlist", nil)
    wl := decode[struct{ Count int `json:"count"` }](t, rr)
    if wl.Count != 1 { t.Fatalf("waitlist count: %d", wl.Count) }

    rr = do(t, h, http.MethodGet, "/debug", nil)
    if !strings.Contains(rr.Body.String(), `"lastOptimize"`) { t.Fatalf("debug missing last run: %s", rr.Body) }
}

func TestReorderAndResort(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    seedStudents(t, s, h, 5)
    rep := decode[opt.Report](t, do(t, h, http.MethodPost, "/v1/optimize", nil))
    rid := rep.Created[0].RouteID
    rs := decode[model.RouteStops](t, do(t, h, http.MethodGet, "/v1/routes/"+rid, nil))

    ids := make([]string, len(rs.Stops))
    for i, st := range rs.Stops { ids[len(ids)-1-i] = st.ID }
    rr := do(t, h, http.MethodPut, "/v1/routes/"+rid+"/order", model.ReorderRequest{StudentIDs: ids})
    if rr.Code != 200 { t.Fatalf("reorder: %d %s", rr.Code, rr.Body) }
    got := decode[model.RouteStops](t, rr)
    if got.Stops[0].ID != ids[0] { t.Fatalf("reorder not applied") }

    rr = do(t, h, http.MethodPut, "/v1/routes/"+rid+"/order", model.ReorderRequest{StudentIDs: ids[:2]})
    if rr.Code != http.StatusBadRequest { t.Fatalf("partial reorder: %d", rr.Code) }

    rr = do(t, h, http.MethodPost, "/v1/routes/"+rid+"/resort", nil)
    if rr.Code != 200 { t.Fatalf("resort: %d %s", rr.Code, rr.Body) }
    got = decode[model.RouteStops](t, rr)
    if got.Stops[0].ID != rs.Stops[0].ID { t.Fatalf("resort did not restore farthest-first order") }
}

func TestValidationAndConflicts(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()

    rr := do(t, h, http.MethodPost, "/v1/students", `{"name":""}`)
    if rr.Code != http.StatusBadRequest { t.Fatalf("missing fields: %d", rr.Code) }
    if p := decode[Problem](t, rr); len(p.Errors) == 0 { t.Fatalf("expected field errors: %s", rr.Body) }

    rr = do(t, h, http.MethodPost, "/v1/students", `{"name":"A","studentNo":"S1","grade":3}`)
    if rr.Code != http.StatusBadRequest { t.Fatalf("unknown field: %d", rr.Code) }

    in := model.StudentIn{Name: "A", StudentNo: "S1"}
    if rr := do(t, h, http.MethodPost, "/v1/students", in); rr.Code != http.StatusCreated { t.Fatalf("create: %d", rr.Code) }
    if rr := do(t, h, http.MethodPost, "/v1/students", in); rr.Code != http.StatusConflict { t.Fatalf("duplicate: %d", rr.Code) }

    if rr := do(t, h, http.MethodGet, "/v1/students/nope", nil); rr.Code != http.StatusNotFound { t.Fatalf("missing student: %d", rr.Code) }
    if rr := do(t, h, http.MethodGet, "/v1/routes/nope", nil); rr.Code != http.StatusNotFound { t.Fatalf("missing route: %d", rr.Code) }

    rr = do(t, h, http.MethodPost, "/v1/routes", model.RouteIn{Name: "Route A"})
    if rr.Code != http.StatusCreated { t.Fatalf("create route: %d", rr.Code) }
    if rr := do(t, h, http.MethodPost, "/v1/routes", model.RouteIn{Name: "Route A"}); rr.Code != http.StatusConflict { t.Fatalf("duplicate route: %d", rr.Code) }
}

type liveRoute struct {
    route    model.Route
    driver   model.Driver
    students []model.Student
}

func setupLiveRoute(t *testing.T, s *Server, h http.Handler) liveRoute {
    t.Helper()
    students := seedStudents(t, s, h, 5)
    rep := decode[opt.Report](t, do(t, h, http.MethodPost, "/v1/optimize", nil))
    rt := decode[model.RouteStops](t, do(t, h, http.MethodGet, "/v1/routes/"+rep.Created[0].RouteID, nil)).Route

    rr := do(t, h, http.MethodPost, "/v1/drivers", model.DriverIn{Name: "Ravi", LicenseNumber: "KA-01"})
    if rr.Code != http.StatusCreated { t.Fatalf("create driver: %d %s", rr.Code, rr.Body) }
    d := decode[model.Driver](t, rr)
    rr = do(t, h, http.MethodPut, "/v1/drivers/"+d.ID+"/route", model.AssignDriverRequest{RouteID: rt.ID})
    if rr.Code != 200 { t.Fatalf("assign driver: %d %s", rr.Code, rr.Body) }

    rr = do(t, h, http.MethodPost, "/v1/students/"+students[0].ID+"/boarding", `{"isBoarding":true}`)
    if rr.Code != 200 { t.Fatalf("boarding: %d %s", rr.Code, rr.Body) }
    return liveRoute{route: rt, driver: decode[model.Driver](t, do(t, h, http.MethodGet, "/v1/drivers/"+d.ID, nil)), students: students}
}

func TestDriverLocationNotifiesNearbyStudent(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    lr := setupLiveRoute(t, s, h)

    rr := do(t, h, http.MethodGet, "/v1/routes/"+lr.route.ID+"/bus-location", nil)
    if rr.Code != http.StatusNotFound { t.Fatalf("bus location before update: %d", rr.Code) }

    home := lr.students[0]
    // 150m truncates into the 200m tier
    p := geo.Offset(model.GeoPoint{Lat: *home.Lat, Lng: *home.Lng}, 150.5, 0)
    rr = do(t, h, http.MethodPost, "/v1/drivers/"+lr.driver.ID+"/location", model.LocationUpdate{Lat: &p.Lat, Lng: &p.Lng})
    if rr.Code != 200 { t.Fatalf("location: %d %s", rr.Code, rr.Body) }
    res := decode[geofence.Result](t, rr)
    if len(res.Notified) != 1 || res.Notified[0].StudentID != home.ID || res.Notified[0].Tier != 200 {
        t.Fatalf("notified: %+v", res.Notified)
    }
    if res.Notified[0].DistanceM != 150 { t.Fatalf("distance: %d", res.Notified[0].DistanceM) }

    // closing to 100m crosses into the next tier
    p = geo.Offset(model.GeoPoint{Lat: *home.Lat, Lng: *home.Lng}, 100.5, 0)
    res = decode[geofence.Result](t, do(t, h, http.MethodPost, "/v1/drivers/"+lr.driver.ID+"/location", model.LocationUpdate{Lat: &p.Lat, Lng: &p.Lng}))
    if len(res.Notified) != 1 || res.Notified[0].Tier != 100 { t.Fatalf("notified at 100m: %+v", res.Notified) }

    rr = do(t, h, http.MethodGet, "/v1/routes/"+lr.route.ID+"/bus-location", nil)
    if rr.Code != 200 { t.Fatalf("bus location: %d", rr.Code) }
    bl := decode[model.BusLocation](t, rr)
    if bl.DriverID != lr.driver.ID { t.Fatalf("bus location driver: %s", bl.DriverID) }

    rr = do(t, h, http.MethodPost, "/v1/drivers/"+lr.driver.ID+"/location", `{"latitude":95,"longitude":0}`)
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad coordinates: %d", rr.Code) }

    rr = do(t, h, http.MethodPost, "/v1/students/"+home.ID+"/notifications/reset", nil)
    if rr.Code != http.StatusNoContent { t.Fatalf("reset: %d", rr.Code) }
    rr = do(t, h, http.MethodPost, "/v1/admin/boarding/reset", nil)
    if rr.Code != 200 { t.Fatalf("boarding reset: %d", rr.Code) }
}

func TestBroadcastEndpoint(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    lr := setupLiveRoute(t, s, h)
    rr := do(t, h, http.MethodPost, "/v1/routes/"+lr.route.ID+"/broadcast", model.BroadcastRequest{Title: "Delay", Body: "10 minutes late"})
    if rr.Code != http.StatusAccepted { t.Fatalf("broadcast: %d %s", rr.Code, rr.Body) }
    rr = do(t, h, http.MethodPost, "/v1/routes/"+lr.route.ID+"/broadcast", model.BroadcastRequest{Title: "Delay"})
    if rr.Code != http.StatusBadRequest { t.Fatalf("broadcast without body: %d", rr.Code) }
}

func TestWebSocketStudentStream(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    lr := setupLiveRoute(t, s, h)
    srv := httptest.NewServer(h)
    defer srv.Close()

    wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?student=" + lr.students[0].ID
    c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer func() { _ = c.Close() }()

    home := lr.students[0]
    p := geo.Offset(model.GeoPoint{Lat: *home.Lat, Lng: *home.Lng}, 20.5, 0)
    if rr := do(t, h, http.MethodPost, "/v1/drivers/"+lr.driver.ID+"/location", model.LocationUpdate{Lat: &p.Lat, Lng: &p.Lng}); rr.Code != 200 {
        t.Fatalf("location: %d", rr.Code)
    }

    var types []string
    _ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
    for len(types) < 2 {
        var msg broadcast.Message
        if err := c.ReadJSON(&msg); err != nil { t.Fatalf("read: %v (got %v)", err, types) }
        types = append(types, msg.Type)
        if msg.Type == broadcast.TypeNotification && msg.Title != "Bus is HERE! (20m)" {
            t.Fatalf("title: %q", msg.Title)
        }
    }
    if types[0] != broadcast.TypeLocation || types[1] != broadcast.TypeNotification {
        t.Fatalf("message types: %v", types)
    }
}

func TestWebSocketRejectsWaitlistedStudent(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    st := seedStudents(t, s, h, 1)[0]
    rr := do(t, h, http.MethodGet, "/ws?student="+st.ID, nil)
    if rr.Code != http.StatusNotFound { t.Fatalf("waitlisted ws: %d", rr.Code) }
    rr = do(t, h, http.MethodGet, "/ws", nil)
    if rr.Code != http.StatusBadRequest { t.Fatalf("ws without target: %d", rr.Code) }
}

func TestGeocodeEndpoints(t *testing.T) {
    s := newTestServer(t)
    h := s.Routes()
    nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.URL.Path == "/search" && r.URL.Query().Get("q") == "nowhere":
            _, _ = w.Write([]byte(`[]`))
        case r.URL.Path == "/search" && r.URL.Query().Get("q") == "down":
            w.WriteHeader(http.StatusServiceUnavailable)
        case r.URL.Path == "/search":
            _, _ = w.Write([]byte(`[{"lat":"12.9716","lon":"77.5946","display_name":"MG Road, Bengaluru"}]`))
        case r.URL.Path == "/reverse":
            _, _ = w.Write([]byte(`{"display_name":"Kengeri, Bengaluru"}`))
        }
    }))
    defer nominatim.Close()
    s.Geocoder = opt.NewGeocoder(nominatim.URL, "in")
    s.Geocoder.Limiter = nil

    rr := do(t, h, http.MethodGet, "/v1/geocode?q=MG+Road", nil)
    if rr.Code != 200 { t.Fatalf("geocode: %d %s", rr.Code, rr.Body) }
    if p := decode[opt.Place](t, rr); p.Lat != 12.9716 || p.DisplayName != "MG Road, Bengaluru" { t.Fatalf("place: %+v", p) }

    if rr := do(t, h, http.MethodGet, "/v1/geocode", nil); rr.Code != http.StatusBadRequest { t.Fatalf("missing q: %d", rr.Code) }
    if rr := do(t, h, http.MethodGet, "/v1/geocode?q=nowhere", nil); rr.Code != http.StatusNotFound { t.Fatalf("no match: %d", rr.Code) }
    if rr := do(t, h, http.MethodGet, "/v1/geocode?q=down", nil); rr.Code != http.StatusBadGateway { t.Fatalf("provider down: %d", rr.Code) }

    rr = do(t, h, http.MethodGet, "/v1/geocode/reverse?lat=12.9&lon=77.5", nil)
    if rr.Code != 200 { t.Fatalf("reverse: %d %s", rr.Code, rr.Body) }
    if got := decode[map[string]string](t, rr)["address"]; got != "Kengeri, Bengaluru" { t.Fatalf("address: %q", got) }
    if rr := do(t, h, http.MethodGet, "/v1/geocode/reverse?lat=abc&lon=77.5", nil); rr.Code != http.StatusBadRequest { t.Fatalf("bad lat: %d", rr.Code) }
}

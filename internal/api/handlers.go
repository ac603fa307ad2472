package api

import (
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"

    "bustrack/internal/model"
    "bustrack/internal/store"
)

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
    rep, err := s.Optimizer.Optimize(r.Context())
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, rep)
}

// Routes

// RoutesIndexHandler handles GET /v1/routes
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
    routes, err := s.Store.ListRoutes(r.Context())
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": routes})
}

// CreateRouteHandler handles POST /v1/routes
func (s *Server) CreateRouteHandler(w http.ResponseWriter, r *http.Request) {
    var in model.RouteIn
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    rt, err := s.Store.CreateRoute(r.Context(), in)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusCreated, rt)
}

// RouteHandler handles GET /v1/routes/{id}
func (s *Server) RouteHandler(w http.ResponseWriter, r *http.Request) {
    s.writeRouteStops(w, r, r.PathValue("id"), http.StatusOK)
}

// ResortHandler handles POST /v1/routes/{id}/resort
func (s *Server) ResortHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    if err := s.Optimizer.ReSort(r.Context(), id); err != nil { writeError(w, r, err); return }
    s.writeRouteStops(w, r, id, http.StatusOK)
}

// RouteOrderHandler handles PUT /v1/routes/{id}/order (driver's manual stop order)
func (s *Server) RouteOrderHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    var in model.ReorderRequest
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    if err := s.Optimizer.Reorder(r.Context(), id, in.StudentIDs); err != nil { writeError(w, r, err); return }
    s.writeRouteStops(w, r, id, http.StatusOK)
}

// RouteBroadcastHandler handles POST /v1/routes/{id}/broadcast
func (s *Server) RouteBroadcastHandler(w http.ResponseWriter, r *http.Request) {
    var in model.BroadcastRequest
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    if err := s.Notifier.Announce(r.Context(), r.PathValue("id"), in.Title, in.Body); err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

// BusLocationHandler handles GET /v1/routes/{id}/bus-location
func (s *Server) BusLocationHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    if _, err := s.Store.GetRoute(r.Context(), id); err != nil { writeError(w, r, err); return }
    d, err := s.Store.GetRouteDriver(r.Context(), id)
    if errors.Is(err, store.ErrNotFound) {
        writeProblem(w, http.StatusNotFound, "No driver", "no driver is assigned to this route", r.URL.Path)
        return
    }
    if err != nil { writeError(w, r, err); return }
    if !d.HasLocation() || d.LastSeen == nil {
        writeProblem(w, http.StatusNotFound, "No location", "the driver has not shared a location yet", r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, model.BusLocation{RouteID: id, DriverID: d.ID, DriverName: d.Name, Lat: *d.LastLat, Lng: *d.LastLng, LastSeen: *d.LastSeen})
}

func (s *Server) writeRouteStops(w http.ResponseWriter, r *http.Request, routeID string, status int) {
    rt, err := s.Store.GetRoute(r.Context(), routeID)
    if err != nil { writeError(w, r, err); return }
    stops, err := s.Store.ListRouteStudents(r.Context(), routeID)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, status, model.RouteStops{Route: rt, Stops: stops})
}

// Students

// CreateStudentHandler handles POST /v1/students
func (s *Server) CreateStudentHandler(w http.ResponseWriter, r *http.Request) {
    var in model.StudentIn
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    st, err := s.Store.CreateStudent(r.Context(), in)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusCreated, st)
}

// StudentHandler handles GET /v1/students/{id}
func (s *Server) StudentHandler(w http.ResponseWriter, r *http.Request) {
    st, err := s.Store.GetStudent(r.Context(), r.PathValue("id"))
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, st)
}

// StudentLocationHandler handles PUT /v1/students/{id}/location
func (s *Server) StudentLocationHandler(w http.ResponseWriter, r *http.Request) {
    var in model.StudentLocationIn
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    st, err := s.Store.UpdateStudentLocation(r.Context(), r.PathValue("id"), in)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, st)
}

// MyRouteHandler handles GET /v1/students/{id}/route
func (s *Server) MyRouteHandler(w http.ResponseWriter, r *http.Request) {
    st, err := s.Store.GetStudent(r.Context(), r.PathValue("id"))
    if err != nil { writeError(w, r, err); return }
    if st.RouteID == nil {
        wl, err := s.Store.ListWaitlist(r.Context())
        if err != nil { writeError(w, r, err); return }
        detail := fmt.Sprintf("You are on the waitlist. %d student(s) are waiting for a new route (need %d).", len(wl), s.Optimizer.Capacity)
        writeProblem(w, http.StatusNotFound, "Waitlisted", detail, r.URL.Path)
        return
    }
    rt, err := s.Store.GetRoute(r.Context(), *st.RouteID)
    if err != nil { writeError(w, r, err); return }
    stops, err := s.Store.ListRouteStudents(r.Context(), rt.ID)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"route": rt, "pickupOrder": st.PickupOrder, "stops": stops})
}

// BoardingHandler handles POST /v1/students/{id}/boarding
func (s *Server) BoardingHandler(w http.ResponseWriter, r *http.Request) {
    var in model.BoardingUpdate
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    st, err := s.Notifier.OnBoardingToggle(r.Context(), r.PathValue("id"), *in.IsBoarding)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, st)
}

// ResetNotificationsHandler handles POST /v1/students/{id}/notifications/reset
func (s *Server) ResetNotificationsHandler(w http.ResponseWriter, r *http.Request) {
    if err := s.Store.ResetNotificationDistance(r.Context(), r.PathValue("id")); err != nil { writeError(w, r, err); return }
    w.WriteHeader(http.StatusNoContent)
}

// WaitlistHandler handles GET /v1/waitlist
func (s *Server) WaitlistHandler(w http.ResponseWriter, r *http.Request) {
    wl, err := s.Store.ListWaitlist(r.Context())
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": wl, "count": len(wl), "capacity": s.Optimizer.Capacity})
}

// ResetBoardingHandler handles POST /v1/admin/boarding/reset
func (s *Server) ResetBoardingHandler(w http.ResponseWriter, r *http.Request) {
    n, err := s.Store.ResetBoardingDay(r.Context())
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// Drivers

// CreateDriverHandler handles POST /v1/drivers
func (s *Server) CreateDriverHandler(w http.ResponseWriter, r *http.Request) {
    var in model.DriverIn
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    d, err := s.Store.CreateDriver(r.Context(), in)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusCreated, d)
}

// DriverHandler handles GET /v1/drivers/{id}
func (s *Server) DriverHandler(w http.ResponseWriter, r *http.Request) {
    d, err := s.Store.GetDriver(r.Context(), r.PathValue("id"))
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, d)
}

// AssignDriverHandler handles PUT /v1/drivers/{id}/route
func (s *Server) AssignDriverHandler(w http.ResponseWriter, r *http.Request) {
    var in model.AssignDriverRequest
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    d, err := s.Store.AssignDriver(r.Context(), r.PathValue("id"), in.RouteID)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, d)
}

// DriverLocationHandler handles POST /v1/drivers/{id}/location
func (s *Server) DriverLocationHandler(w http.ResponseWriter, r *http.Request) {
    var in model.LocationUpdate
    if err := decodeJSON(r, &in); err != nil { writeError(w, r, err); return }
    res, err := s.Notifier.OnLocationUpdate(r.Context(), r.PathValue("id"), *in.Lat, *in.Lng)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, res)
}

// Geocoding

// GeocodeHandler handles GET /v1/geocode?q=
func (s *Server) GeocodeHandler(w http.ResponseWriter, r *http.Request) {
    q := strings.TrimSpace(r.URL.Query().Get("q"))
    if q == "" {
        writeError(w, r, model.Invalidf("q is required", model.FieldError{Field: "q", Error: "is required"}))
        return
    }
    p, err := s.Geocoder.Search(r.Context(), q)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, p)
}

// ReverseGeocodeHandler handles GET /v1/geocode/reverse?lat=&lon=
func (s *Server) ReverseGeocodeHandler(w http.ResponseWriter, r *http.Request) {
    lat, lng, err := queryPoint(r)
    if err != nil { writeError(w, r, err); return }
    addr, err := s.Geocoder.Reverse(r.Context(), model.GeoPoint{Lat: lat, Lng: lng})
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]string{"address": addr})
}

func queryPoint(r *http.Request) (float64, float64, error) {
    q := r.URL.Query()
    var flds []model.FieldError
    lat, err := strconv.ParseFloat(q.Get("lat"), 64)
    if err != nil || lat < -90 || lat > 90 {
        flds = append(flds, model.FieldError{Field: "lat", Error: "must be a latitude between -90 and 90"})
    }
    lng, err := strconv.ParseFloat(q.Get("lon"), 64)
    if err != nil || lng < -180 || lng > 180 {
        flds = append(flds, model.FieldError{Field: "lon", Error: "must be a longitude between -180 and 180"})
    }
    if len(flds) > 0 { return 0, 0, model.Invalidf("lat and lon query parameters are required", flds...) }
    return lat, lng, nil
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if err := s.ping(r.Context()); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

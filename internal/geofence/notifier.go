package geofence

import (
    "context"
    "errors"
    "fmt"
    "log"
    "math"
    "strconv"
    "time"

    "bustrack/internal/broadcast"
    "bustrack/internal/geo"
    "bustrack/internal/metrics"
    "bustrack/internal/model"
    "bustrack/internal/store"
)

// ErrPublish marks a broadcast that could not be delivered to the broker.
var ErrPublish = errors.New("publish failed")

// Notifier turns driver location updates into live-location broadcasts and
// per-student proximity notifications.
type Notifier struct {
    Store  store.Store
    Broker broadcast.Broker
    Log    *log.Logger
    Now    func() time.Time

    locks keyedMutex
}

func NewNotifier(s store.Store, b broadcast.Broker) *Notifier {
    return &Notifier{Store: s, Broker: b, Log: log.Default(), Now: func() time.Time { return time.Now().UTC() }}
}

// Sent records one addressed notification.
type Sent struct {
    StudentID string `json:"studentId"`
    Tier      int    `json:"tier"`
    DistanceM int    `json:"distanceM"`
}

// Result summarizes one location update.
type Result struct {
    Driver   model.Driver `json:"driver"`
    Route    model.Route  `json:"route"`
    Notified []Sent       `json:"notified"`
    Failed   int          `json:"failed"`
}

// OnLocationUpdate stores the driver's position, broadcasts it to the route
// and notifies boarding students whose tier changed. Once the position is
// stored the call succeeds; broadcast and per-student errors are logged and
// counted in Result.Failed.
func (n *Notifier) OnLocationUpdate(ctx context.Context, driverID string, lat, lng float64) (Result, error) {
    if err := checkCoords(lat, lng); err != nil { return Result{}, err }
    d, err := n.Store.GetDriver(ctx, driverID)
    if err != nil { return Result{}, err }
    if d.RouteID == nil {
        return Result{}, model.Invalidf("driver is not assigned to a route")
    }
    route, err := n.Store.GetRoute(ctx, *d.RouteID)
    if err != nil { return Result{}, err }
    now := n.now()
    d, err = n.Store.UpdateDriverLocation(ctx, driverID, lat, lng, now)
    if err != nil { return Result{}, err }

    res := Result{Driver: d, Route: route, Notified: []Sent{}}
    topic := broadcast.Topic(route.Name)
    if err := n.Broker.Publish(ctx, topic, broadcast.Message{Type: broadcast.TypeLocation, Lat: &lat, Lng: &lng, TS: now}); err != nil {
        metrics.BroadcastErrors.WithLabelValues(broadcast.TypeLocation).Inc()
        n.logf("geofence: location broadcast on %s: %v", topic, err)
    }

    students, err := n.Store.ListBoardingStudents(ctx, route.ID)
    if err != nil {
        n.logf("geofence: list boarding students for %s: %v", route.ID, err)
        res.Failed++
        return res, nil
    }
    bus := model.GeoPoint{Lat: lat, Lng: lng}
    for _, s := range students {
        if !s.HasLocation() { continue }
        sent, ok, err := n.checkStudent(ctx, route, topic, bus, s.ID)
        if err != nil {
            res.Failed++
            n.logf("geofence: student %s: %v", s.ID, err)
            continue
        }
        if ok { res.Notified = append(res.Notified, sent) }
    }
    return res, nil
}

// checkStudent runs the distance check, state update and send for one student
// while holding that student's lock. The stored tier is claimed before sending
// and restored if the send fails.
func (n *Notifier) checkStudent(ctx context.Context, route model.Route, topic string, bus model.GeoPoint, studentID string) (Sent, bool, error) {
    unlock := n.locks.Lock(studentID)
    defer unlock()

    s, err := n.Store.GetStudent(ctx, studentID)
    if err != nil { return Sent{}, false, err }
    if !s.IsBoardingToday || !s.HasLocation() || s.RouteID == nil || *s.RouteID != route.ID {
        return Sent{}, false, nil
    }
    dist := int(geo.Distance(bus, s.Location()))
    dec := Decide(dist, s.LastNotificationDistance)
    if !dec.Write { return Sent{}, false, nil }

    claimed, err := n.Store.CompareAndSetNotificationDistance(ctx, s.ID, s.LastNotificationDistance, dec.Next)
    if err != nil { return Sent{}, false, err }
    if !claimed {
        // another process updated the student first
        return Sent{}, false, nil
    }
    if !dec.Send { return Sent{}, false, nil }

    title, body := Text(route.Name, dec.Tier, dist)
    msg := broadcast.Message{Type: broadcast.TypeNotification, Title: title, Body: body, TargetStudentID: s.ID, TS: n.now()}
    if err := n.Broker.Publish(ctx, topic, msg); err != nil {
        metrics.BroadcastErrors.WithLabelValues(broadcast.TypeNotification).Inc()
        if _, rerr := n.Store.CompareAndSetNotificationDistance(ctx, s.ID, dec.Next, s.LastNotificationDistance); rerr != nil {
            n.logf("geofence: restore tier for %s: %v", s.ID, rerr)
        }
        return Sent{}, false, fmt.Errorf("%w: %v", ErrPublish, err)
    }
    metrics.GeofenceNotifications.WithLabelValues(strconv.Itoa(dec.Tier)).Inc()
    return Sent{StudentID: s.ID, Tier: dec.Tier, DistanceM: dist}, true, nil
}

// OnBoardingToggle stores the student's boarding flag and, when the student
// has a route, tells the route's subscribers.
func (n *Notifier) OnBoardingToggle(ctx context.Context, studentID string, boarding bool) (model.Student, error) {
    s, err := n.Store.SetBoarding(ctx, studentID, boarding)
    if err != nil { return model.Student{}, err }
    if s.RouteID == nil { return s, nil }
    route, err := n.Store.GetRoute(ctx, *s.RouteID)
    if err != nil {
        n.logf("geofence: check-in route %s: %v", *s.RouteID, err)
        return s, nil
    }
    msg := broadcast.Message{Type: broadcast.TypeCheckIn, StudentID: s.ID, IsBoarding: &boarding, TS: n.now()}
    if err := n.Broker.Publish(ctx, broadcast.Topic(route.Name), msg); err != nil {
        metrics.BroadcastErrors.WithLabelValues(broadcast.TypeCheckIn).Inc()
        n.logf("geofence: check-in broadcast for %s: %v", s.ID, err)
    }
    return s, nil
}

// Announce sends an unaddressed notification to everyone on a route.
func (n *Notifier) Announce(ctx context.Context, routeID, title, body string) error {
    route, err := n.Store.GetRoute(ctx, routeID)
    if err != nil { return err }
    msg := broadcast.Message{Type: broadcast.TypeNotification, Title: title, Body: body, TS: n.now()}
    if err := n.Broker.Publish(ctx, broadcast.Topic(route.Name), msg); err != nil {
        metrics.BroadcastErrors.WithLabelValues(broadcast.TypeNotification).Inc()
        return fmt.Errorf("%w: %v", ErrPublish, err)
    }
    return nil
}

func checkCoords(lat, lng float64) error {
    var flds []model.FieldError
    if math.IsNaN(lat) || lat < -90 || lat > 90 {
        flds = append(flds, model.FieldError{Field: "latitude", Error: "must be a latitude between -90 and 90"})
    }
    if math.IsNaN(lng) || lng < -180 || lng > 180 {
        flds = append(flds, model.FieldError{Field: "longitude", Error: "must be a longitude between -180 and 180"})
    }
    if len(flds) > 0 { return model.Invalidf("invalid coordinates", flds...) }
    return nil
}

func (n *Notifier) now() time.Time {
    if n.Now == nil { return time.Now().UTC() }
    return n.Now()
}

func (n *Notifier) logf(format string, args ...any) {
    l := n.Log
    if l == nil { l = log.Default() }
    l.Printf(format, args...)
}

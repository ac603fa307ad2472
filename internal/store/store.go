package store

import (
    "context"
    "errors"
    "time"

    "bustrack/internal/model"
)

// Store is the persistence interface used by the optimizer, the geofence
// notifier and the API server.
type Store interface {
    // Students
    CreateStudent(ctx context.Context, in model.StudentIn) (model.Student, error)
    GetStudent(ctx context.Context, id string) (model.Student, error)
    UpdateStudentLocation(ctx context.Context, id string, in model.StudentLocationIn) (model.Student, error)
    SetBoarding(ctx context.Context, id string, boarding bool) (model.Student, error)
    // ListWaitlist returns unassigned students with known coordinates in arrival order.
    ListWaitlist(ctx context.Context) ([]model.Student, error)
    // ListRouteStudents returns a route's students by pickup order (unordered last, then arrival).
    ListRouteStudents(ctx context.Context, routeID string) ([]model.Student, error)
    ListBoardingStudents(ctx context.Context, routeID string) ([]model.Student, error)
    // CompareAndSetNotificationDistance stores next only if the current value
    // still equals expected (nil matches nil). It reports whether the write happened.
    CompareAndSetNotificationDistance(ctx context.Context, id string, expected, next *int) (bool, error)
    ResetNotificationDistance(ctx context.Context, id string) error
    // ResetBoardingDay clears boarding flags and notification state for every student.
    ResetBoardingDay(ctx context.Context) (int, error)

    // Routes
    CreateRoute(ctx context.Context, in model.RouteIn) (model.Route, error)
    GetRoute(ctx context.Context, id string) (model.Route, error)
    // ListRoutes returns routes with student counts, emptiest first.
    ListRoutes(ctx context.Context) ([]model.Route, error)

    // Drivers
    CreateDriver(ctx context.Context, in model.DriverIn) (model.Driver, error)
    GetDriver(ctx context.Context, id string) (model.Driver, error)
    AssignDriver(ctx context.Context, driverID, routeID string) (model.Driver, error)
    UpdateDriverLocation(ctx context.Context, id string, lat, lng float64, ts time.Time) (model.Driver, error)
    // GetRouteDriver returns the driver assigned to a route.
    GetRouteDriver(ctx context.Context, routeID string) (model.Driver, error)

    // Atomic runs fn inside one transaction. Nothing written through tx is
    // visible unless fn returns nil.
    Atomic(ctx context.Context, fn func(tx Tx) error) error

    Ping(ctx context.Context) error
}

// Tx is the write surface available inside Store.Atomic.
type Tx interface {
    ListRoutes(ctx context.Context) ([]model.Route, error)
    ListRouteStudents(ctx context.Context, routeID string) ([]model.Student, error)
    CreateRoute(ctx context.Context, in model.RouteIn) (model.Route, error)
    // AssignStudent moves a waitlisted student onto a route. It fails with
    // ErrConflict if the student is no longer waitlisted.
    AssignStudent(ctx context.Context, studentID, routeID string, order, drivingSec int) error
    // SetPickupOrder rewrites the order of a student already on routeID.
    // A nil drivingSec keeps the stored travel time.
    SetPickupOrder(ctx context.Context, routeID, studentID string, order int, drivingSec *int) error
}

var (
    ErrNotFound = errors.New("not found")
    ErrConflict = errors.New("conflict")
)

package store

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "bustrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu       sync.Mutex
    students map[string]model.Student // id -> student
    arrival  []string                 // student ids in creation order
    routes   map[string]model.Route   // id -> route (StudentCount computed on read)
    routeSeq []string                 // route ids in creation order
    drivers  map[string]model.Driver  // id -> driver
    now      func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        students: map[string]model.Student{},
        routes:   map[string]model.Route{},
        drivers:  map[string]model.Driver{},
        now:      func() time.Time { return time.Now().UTC() },
    }
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Students

func (m *Memory) CreateStudent(ctx context.Context, in model.StudentIn) (model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, s := range m.students {
        if s.StudentNo == in.StudentNo {
            return model.Student{}, fmt.Errorf("student number %s: %w", in.StudentNo, ErrConflict)
        }
    }
    s := model.Student{ID: uuid.New().String(), Name: in.Name, StudentNo: in.StudentNo, CreatedAt: m.now()}
    m.students[s.ID] = s
    m.arrival = append(m.arrival, s.ID)
    return s, nil
}

func (m *Memory) GetStudent(ctx context.Context, id string) (model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.students[id]
    if !ok { return model.Student{}, ErrNotFound }
    return s, nil
}

func (m *Memory) UpdateStudentLocation(ctx context.Context, id string, in model.StudentLocationIn) (model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.students[id]
    if !ok { return model.Student{}, ErrNotFound }
    s.Address = in.Address
    s.Lat = floatPtr(*in.Lat)
    s.Lng = floatPtr(*in.Lng)
    m.students[id] = s
    return s, nil
}

func (m *Memory) SetBoarding(ctx context.Context, id string, boarding bool) (model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.students[id]
    if !ok { return model.Student{}, ErrNotFound }
    s.IsBoardingToday = boarding
    m.students[id] = s
    return s, nil
}

func (m *Memory) ListWaitlist(ctx context.Context) ([]model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Student{}
    for _, id := range m.arrival {
        if s := m.students[id]; s.Waitlisted() { out = append(out, s) }
    }
    return out, nil
}

func (m *Memory) ListRouteStudents(ctx context.Context, routeID string) ([]model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return routeStudents(m.students, m.arrival, routeID), nil
}

func (m *Memory) ListBoardingStudents(ctx context.Context, routeID string) ([]model.Student, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Student{}
    for _, s := range routeStudents(m.students, m.arrival, routeID) {
        if s.IsBoardingToday { out = append(out, s) }
    }
    return out, nil
}

func (m *Memory) CompareAndSetNotificationDistance(ctx context.Context, id string, expected, next *int) (bool, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.students[id]
    if !ok { return false, ErrNotFound }
    if !sameInt(s.LastNotificationDistance, expected) { return false, nil }
    s.LastNotificationDistance = copyInt(next)
    m.students[id] = s
    return true, nil
}

func (m *Memory) ResetNotificationDistance(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.students[id]
    if !ok { return ErrNotFound }
    s.LastNotificationDistance = nil
    m.students[id] = s
    return nil
}

func (m *Memory) ResetBoardingDay(ctx context.Context) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    n := 0
    for id, s := range m.students {
        if !s.IsBoardingToday && s.LastNotificationDistance == nil { continue }
        s.IsBoardingToday = false
        s.LastNotificationDistance = nil
        m.students[id] = s
        n++
    }
    return n, nil
}

// Routes

func (m *Memory) CreateRoute(ctx context.Context, in model.RouteIn) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    st := m.state()
    r, err := st.CreateRoute(ctx, in)
    if err != nil { return model.Route{}, err }
    m.routeSeq = st.routeSeq
    return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[id]
    if !ok { return model.Route{}, ErrNotFound }
    r.StudentCount = len(routeStudents(m.students, m.arrival, id))
    return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.state().ListRoutes(ctx)
}

// Drivers

func (m *Memory) CreateDriver(ctx context.Context, in model.DriverIn) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, d := range m.drivers {
        if d.LicenseNumber == in.LicenseNumber {
            return model.Driver{}, fmt.Errorf("license %s: %w", in.LicenseNumber, ErrConflict)
        }
    }
    d := model.Driver{ID: uuid.New().String(), Name: in.Name, LicenseNumber: in.LicenseNumber}
    m.drivers[d.ID] = d
    return d, nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.drivers[id]
    if !ok { return model.Driver{}, ErrNotFound }
    return d, nil
}

func (m *Memory) AssignDriver(ctx context.Context, driverID, routeID string) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.drivers[driverID]
    if !ok { return model.Driver{}, ErrNotFound }
    if _, ok := m.routes[routeID]; !ok { return model.Driver{}, ErrNotFound }
    // a route has at most one driver
    for id, other := range m.drivers {
        if id != driverID && other.RouteID != nil && *other.RouteID == routeID {
            other.RouteID = nil
            m.drivers[id] = other
        }
    }
    rid := routeID
    d.RouteID = &rid
    m.drivers[driverID] = d
    return d, nil
}

func (m *Memory) UpdateDriverLocation(ctx context.Context, id string, lat, lng float64, ts time.Time) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.drivers[id]
    if !ok { return model.Driver{}, ErrNotFound }
    d.LastLat = floatPtr(lat)
    d.LastLng = floatPtr(lng)
    t := ts.UTC()
    d.LastSeen = &t
    m.drivers[id] = d
    return d, nil
}

func (m *Memory) GetRouteDriver(ctx context.Context, routeID string) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, d := range m.drivers {
        if d.RouteID != nil && *d.RouteID == routeID { return d, nil }
    }
    return model.Driver{}, ErrNotFound
}

// Atomic stages writes on a copy of the student and route tables and swaps
// it in only when fn succeeds. The store lock is held for the duration, so fn
// must only use tx.
func (m *Memory) Atomic(ctx context.Context, fn func(tx Tx) error) error {
    m.mu.Lock(); defer m.mu.Unlock()
    staged := m.state().clone()
    if err := fn(staged); err != nil { return err }
    if err := ctx.Err(); err != nil { return err }
    m.students, m.arrival, m.routes, m.routeSeq = staged.students, staged.arrival, staged.routes, staged.routeSeq
    return nil
}

// memState is the mutable part of Memory that transactions operate on.
type memState struct {
    students map[string]model.Student
    arrival  []string
    routes   map[string]model.Route
    routeSeq []string
    now      func() time.Time
}

func (m *Memory) state() *memState {
    return &memState{students: m.students, arrival: m.arrival, routes: m.routes, routeSeq: m.routeSeq, now: m.now}
}

func (s *memState) clone() *memState {
    out := &memState{
        students: make(map[string]model.Student, len(s.students)),
        arrival:  append([]string(nil), s.arrival...),
        routes:   make(map[string]model.Route, len(s.routes)),
        routeSeq: append([]string(nil), s.routeSeq...),
        now:      s.now,
    }
    for k, v := range s.students { out.students[k] = v }
    for k, v := range s.routes { out.routes[k] = v }
    return out
}

func (s *memState) ListRoutes(ctx context.Context) ([]model.Route, error) {
    counts := map[string]int{}
    for _, st := range s.students {
        if st.RouteID != nil { counts[*st.RouteID]++ }
    }
    out := make([]model.Route, 0, len(s.routeSeq))
    for _, id := range s.routeSeq {
        r := s.routes[id]
        r.StudentCount = counts[id]
        out = append(out, r)
    }
    sort.SliceStable(out, func(i, j int) bool { return out[i].StudentCount < out[j].StudentCount })
    return out, nil
}

func (s *memState) ListRouteStudents(ctx context.Context, routeID string) ([]model.Student, error) {
    return routeStudents(s.students, s.arrival, routeID), nil
}

func (s *memState) CreateRoute(ctx context.Context, in model.RouteIn) (model.Route, error) {
    for _, r := range s.routes {
        if r.Name == in.Name {
            return model.Route{}, fmt.Errorf("route name %q: %w", in.Name, ErrConflict)
        }
    }
    r := model.Route{ID: uuid.New().String(), Name: in.Name, Description: in.Description, CreatedAt: s.now()}
    s.routes[r.ID] = r
    s.routeSeq = append(s.routeSeq, r.ID)
    return r, nil
}

func (s *memState) AssignStudent(ctx context.Context, studentID, routeID string, order, drivingSec int) error {
    st, ok := s.students[studentID]
    if !ok { return ErrNotFound }
    if _, ok := s.routes[routeID]; !ok { return ErrNotFound }
    if st.RouteID != nil {
        return fmt.Errorf("student %s already on a route: %w", studentID, ErrConflict)
    }
    rid := routeID
    st.RouteID = &rid
    st.PickupOrder = intPtr(order)
    st.DrivingTimeSec = intPtr(drivingSec)
    s.students[studentID] = st
    return nil
}

func (s *memState) SetPickupOrder(ctx context.Context, routeID, studentID string, order int, drivingSec *int) error {
    st, ok := s.students[studentID]
    if !ok { return ErrNotFound }
    if st.RouteID == nil || *st.RouteID != routeID {
        return fmt.Errorf("student %s not on route %s: %w", studentID, routeID, ErrConflict)
    }
    st.PickupOrder = intPtr(order)
    if drivingSec != nil { st.DrivingTimeSec = copyInt(drivingSec) }
    s.students[studentID] = st
    return nil
}

func routeStudents(students map[string]model.Student, arrival []string, routeID string) []model.Student {
    out := []model.Student{}
    for _, id := range arrival {
        s := students[id]
        if s.RouteID != nil && *s.RouteID == routeID { out = append(out, s) }
    }
    sort.SliceStable(out, func(i, j int) bool {
        a, b := out[i].PickupOrder, out[j].PickupOrder
        if a == nil || b == nil { return a != nil && b == nil }
        return *a < *b
    })
    return out
}

// Helpers
func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }
func copyInt(p *int) *int { if p == nil { return nil }; v := *p; return &v }
func sameInt(a, b *int) bool {
    if a == nil || b == nil { return a == nil && b == nil }
    return *a == *b
}

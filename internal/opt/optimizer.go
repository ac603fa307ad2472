package opt

import (
    "context"
    "errors"
    "fmt"
    "log"
    "math"
    "sort"
    "sync"
    "time"

    "bustrack/internal/metrics"
    "bustrack/internal/model"
    "bustrack/internal/store"
)

const DefaultCapacity = 5

// Optimizer assigns waitlisted students to routes and orders each route's
// pickups farthest-first.
type Optimizer struct {
    Store    store.Store
    Provider TravelTimeProvider
    Capacity int
    Campus   model.GeoPoint
    Log      *log.Logger

    mu     sync.Mutex // one optimizer run or re-sort at a time
    lastMu sync.Mutex
    last   *Report
}

func New(s store.Store, p TravelTimeProvider, capacity int, campus model.GeoPoint) *Optimizer {
    if capacity <= 0 { capacity = DefaultCapacity }
    return &Optimizer{Store: s, Provider: p, Capacity: capacity, Campus: campus, Log: log.Default()}
}

// RouteFill describes students added to one route during a run.
type RouteFill struct {
    RouteID   string   `json:"routeId"`
    RouteName string   `json:"routeName"`
    Students  []string `json:"students"`
}

// Report summarizes one Optimize run.
type Report struct {
    StartedAt        time.Time   `json:"startedAt"`
    Filled           []RouteFill `json:"filled"`
    Created          []RouteFill `json:"created"`
    Skipped          []string    `json:"skipped,omitempty"`
    ProviderFailures int         `json:"providerFailures"`
    Waitlisted       int         `json:"waitlisted"`
}

// stop is one student's position in a computed pickup order.
type stop struct {
    StudentID string
    Duration  float64
    Sec       *int // nil when the student has no coordinates
}

type fillPlan struct {
    route  model.Route
    added  []string
    ranked []stop
    prior  map[string]model.Student
}

type newRoutePlan struct {
    batch  []model.Student
    ranked []stop
}

// Optimize runs both stages: fill routes below capacity emptiest first, then
// create full routes from what is left of the waitlist. Students in a batch
// whose travel times could not be fetched stay waitlisted.
func (o *Optimizer) Optimize(ctx context.Context) (Report, error) {
    o.mu.Lock(); defer o.mu.Unlock()
    rep := Report{StartedAt: time.Now().UTC(), Filled: []RouteFill{}, Created: []RouteFill{}}
    waitlist, err := o.Store.ListWaitlist(ctx)
    if err != nil {
        metrics.OptimizerRuns.WithLabelValues("error").Inc()
        return rep, err
    }
    if len(waitlist) == 0 {
        metrics.OptimizerRuns.WithLabelValues("noop").Inc()
        o.record(rep)
        return rep, nil
    }

    remaining, err := o.fillExisting(ctx, waitlist, &rep)
    if err != nil {
        metrics.OptimizerRuns.WithLabelValues("error").Inc()
        return rep, fmt.Errorf("fill existing routes: %w", err)
    }
    remaining, err = o.createRoutes(ctx, remaining, &rep)
    if err != nil {
        metrics.OptimizerRuns.WithLabelValues("error").Inc()
        return rep, fmt.Errorf("create routes: %w", err)
    }
    rep.Waitlisted = len(remaining) + len(rep.Skipped)
    outcome := "ok"
    if rep.ProviderFailures > 0 { outcome = "partial" }
    metrics.OptimizerRuns.WithLabelValues(outcome).Inc()
    o.logf("optimize: filled=%d created=%d skipped=%d waitlisted=%d", len(rep.Filled), len(rep.Created), len(rep.Skipped), rep.Waitlisted)
    o.record(rep)
    return rep, nil
}

func (o *Optimizer) fillExisting(ctx context.Context, queue []model.Student, rep *Report) ([]model.Student, error) {
    routes, err := o.Store.ListRoutes(ctx)
    if err != nil { return nil, err }
    var plans []fillPlan
    for _, r := range routes {
        if len(queue) == 0 { break }
        if r.StudentCount >= o.Capacity { continue }
        n := o.Capacity - r.StudentCount
        if n > len(queue) { n = len(queue) }
        batch := queue[:n]
        queue = queue[n:]

        current, err := o.Store.ListRouteStudents(ctx, r.ID)
        if err != nil { return nil, err }
        all := append(append([]model.Student{}, current...), batch...)
        ranked, err := o.rank(ctx, all)
        if err != nil {
            o.providerFailed(rep, "fill", batch, err)
            continue
        }
        prior := make(map[string]model.Student, len(current))
        for _, s := range current { prior[s.ID] = s }
        plans = append(plans, fillPlan{route: r, added: studentIDs(batch), ranked: ranked, prior: prior})
    }
    if len(plans) == 0 { return queue, nil }

    err = o.Store.Atomic(ctx, func(tx store.Tx) error {
        for _, p := range plans {
            added := map[string]bool{}
            for _, id := range p.added { added[id] = true }
            for i, st := range p.ranked {
                if added[st.StudentID] {
                    if err := tx.AssignStudent(ctx, st.StudentID, p.route.ID, i+1, derefSec(st.Sec)); err != nil { return err }
                    continue
                }
                if !orderChanged(p.prior[st.StudentID], i+1, st.Sec) { continue }
                if err := tx.SetPickupOrder(ctx, p.route.ID, st.StudentID, i+1, st.Sec); err != nil { return err }
            }
        }
        return nil
    })
    if err != nil { return nil, err }
    for _, p := range plans {
        rep.Filled = append(rep.Filled, RouteFill{RouteID: p.route.ID, RouteName: p.route.Name, Students: p.added})
    }
    return queue, nil
}

func (o *Optimizer) createRoutes(ctx context.Context, queue []model.Student, rep *Report) ([]model.Student, error) {
    var plans []newRoutePlan
    for len(queue) >= o.Capacity {
        batch := queue[:o.Capacity]
        queue = queue[o.Capacity:]
        ranked, err := o.rank(ctx, batch)
        if err != nil {
            o.providerFailed(rep, "create", batch, err)
            continue
        }
        plans = append(plans, newRoutePlan{batch: batch, ranked: ranked})
    }
    if len(plans) == 0 { return queue, nil }

    var created []RouteFill
    err := o.Store.Atomic(ctx, func(tx store.Tx) error {
        created = created[:0]
        routes, err := tx.ListRoutes(ctx)
        if err != nil { return err }
        used := make(map[string]bool, len(routes))
        for _, r := range routes { used[r.Name] = true }
        next := len(routes)
        for _, p := range plans {
            name := nextRouteName(&next, used)
            r, err := tx.CreateRoute(ctx, model.RouteIn{Name: name})
            if err != nil { return err }
            for i, st := range p.ranked {
                if err := tx.AssignStudent(ctx, st.StudentID, r.ID, i+1, derefSec(st.Sec)); err != nil { return err }
            }
            created = append(created, RouteFill{RouteID: r.ID, RouteName: r.Name, Students: studentIDs(p.batch)})
        }
        return nil
    })
    if err != nil { return nil, err }
    rep.Created = append(rep.Created, created...)
    return queue, nil
}

// ReSort recomputes a route's pickup order from fresh travel times. Only rows
// whose order or travel time changed are written.
func (o *Optimizer) ReSort(ctx context.Context, routeID string) error {
    o.mu.Lock(); defer o.mu.Unlock()
    if _, err := o.Store.GetRoute(ctx, routeID); err != nil { return err }
    students, err := o.Store.ListRouteStudents(ctx, routeID)
    if err != nil { return err }
    if len(students) == 0 { return nil }
    ranked, err := o.rank(ctx, students)
    if err != nil {
        metrics.ProviderFailures.WithLabelValues("resort").Inc()
        return err
    }
    prior := make(map[string]model.Student, len(students))
    for _, s := range students { prior[s.ID] = s }
    return o.Store.Atomic(ctx, func(tx store.Tx) error {
        for i, st := range ranked {
            if !orderChanged(prior[st.StudentID], i+1, st.Sec) { continue }
            if err := tx.SetPickupOrder(ctx, routeID, st.StudentID, i+1, st.Sec); err != nil { return err }
        }
        return nil
    })
}

// Reorder applies a manual pickup order. ids must be exactly the route's
// students; stored travel times are kept.
func (o *Optimizer) Reorder(ctx context.Context, routeID string, ids []string) error {
    o.mu.Lock(); defer o.mu.Unlock()
    if _, err := o.Store.GetRoute(ctx, routeID); err != nil { return err }
    students, err := o.Store.ListRouteStudents(ctx, routeID)
    if err != nil { return err }
    onRoute := make(map[string]model.Student, len(students))
    for _, s := range students { onRoute[s.ID] = s }
    seen := map[string]bool{}
    for _, id := range ids {
        if _, ok := onRoute[id]; !ok || seen[id] {
            return model.Invalidf("student list must match the students on this route", model.FieldError{Field: "studentIds", Error: "unexpected or duplicate id " + id})
        }
        seen[id] = true
    }
    if len(seen) != len(onRoute) {
        return model.Invalidf("student list must match the students on this route", model.FieldError{Field: "studentIds", Error: "missing students"})
    }
    return o.Store.Atomic(ctx, func(tx store.Tx) error {
        for i, id := range ids {
            if !orderChanged(onRoute[id], i+1, nil) { continue }
            if err := tx.SetPickupOrder(ctx, routeID, id, i+1, nil); err != nil { return err }
        }
        return nil
    })
}

// LastReport returns the report of the most recent Optimize run.
func (o *Optimizer) LastReport() (Report, bool) {
    o.lastMu.Lock(); defer o.lastMu.Unlock()
    if o.last == nil { return Report{}, false }
    return *o.last, true
}

func (o *Optimizer) record(rep Report) {
    o.lastMu.Lock()
    o.last = &rep
    o.lastMu.Unlock()
}

// rank fetches travel times from the campus and sorts students farthest first.
// Ties keep input order. Students without coordinates go last.
func (o *Optimizer) rank(ctx context.Context, students []model.Student) ([]stop, error) {
    var located []model.Student
    var dests []model.GeoPoint
    var rest []stop
    for _, s := range students {
        if !s.HasLocation() {
            rest = append(rest, stop{StudentID: s.ID})
            continue
        }
        located = append(located, s)
        dests = append(dests, s.Location())
    }
    out := make([]stop, 0, len(students))
    if len(located) > 0 {
        durs, err := o.Provider.Durations(ctx, o.Campus, dests)
        if err != nil {
            var pe *ProviderError
            if !errors.As(err, &pe) { err = &ProviderError{Provider: "travel-time", Err: err} }
            return nil, err
        }
        if len(durs) != len(located) {
            return nil, &ProviderError{Provider: "travel-time", Err: fmt.Errorf("got %d durations for %d destinations", len(durs), len(located))}
        }
        for i, s := range located {
            d := durs[i]
            if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
                return nil, &ProviderError{Provider: "travel-time", Err: fmt.Errorf("invalid duration %v for student %s", d, s.ID)}
            }
            sec := int(math.Round(d))
            out = append(out, stop{StudentID: s.ID, Duration: d, Sec: &sec})
        }
        sort.SliceStable(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
    }
    return append(out, rest...), nil
}

func (o *Optimizer) providerFailed(rep *Report, stage string, batch []model.Student, err error) {
    metrics.ProviderFailures.WithLabelValues(stage).Inc()
    rep.ProviderFailures++
    rep.Skipped = append(rep.Skipped, studentIDs(batch)...)
    o.logf("optimize: %s batch of %d skipped: %v", stage, len(batch), err)
}

func (o *Optimizer) logf(format string, args ...any) {
    l := o.Log
    if l == nil { l = log.Default() }
    l.Printf(format, args...)
}

// RouteSuffix maps 0,1,...,25,26,... to A,B,...,Z,AA,...
func RouteSuffix(i int) string {
    var b []byte
    for i >= 0 {
        b = append([]byte{byte('A' + i%26)}, b...)
        i = i/26 - 1
    }
    return string(b)
}

func nextRouteName(next *int, used map[string]bool) string {
    for {
        name := "Route " + RouteSuffix(*next)
        *next++
        if !used[name] {
            used[name] = true
            return name
        }
    }
}

func orderChanged(prev model.Student, order int, sec *int) bool {
    if prev.PickupOrder == nil || *prev.PickupOrder != order { return true }
    if sec == nil { return false }
    return prev.DrivingTimeSec == nil || *prev.DrivingTimeSec != *sec
}

func derefSec(p *int) int {
    if p == nil { return 0 }
    return *p
}

func studentIDs(ss []model.Student) []string {
    out := make([]string, len(ss))
    for i, s := range ss { out[i] = s.ID }
    return out
}

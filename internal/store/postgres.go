package store

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5/pgconn"
    _ "github.com/jackc/pgx/v5/stdlib"
    "github.com/jmoiron/sqlx"

    "bustrack/internal/model"
)

type Postgres struct {
    db *sqlx.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sqlx.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    db.SetMaxOpenConns(20)
    db.SetMaxIdleConns(5)
    db.SetConnMaxLifetime(30 * time.Minute)
    p := &Postgres{db: db}
    if err := p.Ping(context.Background()); err != nil {
        _ = db.Close()
        return nil, err
    }
    return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir, in lexical order, that has not
// been recorded in schema_migrations yet.
func (p *Postgres) MigrateDir(dir string) error {
    ctx := context.Background()
    if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
        return fmt.Errorf("create schema_migrations: %w", err)
    }
    files, err := migrationFiles(dir)
    if err != nil { return err }
    for _, f := range files {
        version := filepath.Base(f)
        var n int
        if err := p.db.GetContext(ctx, &n, `SELECT count(*) FROM schema_migrations WHERE version=$1`, version); err != nil { return err }
        if n > 0 { continue }
        body, err := os.ReadFile(f)
        if err != nil { return err }
        tx, err := p.db.BeginTxx(ctx, nil)
        if err != nil { return err }
        if _, err := tx.ExecContext(ctx, string(body)); err != nil {
            _ = tx.Rollback()
            return fmt.Errorf("migration %s: %w", version, err)
        }
        if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
            _ = tx.Rollback()
            return err
        }
        if err := tx.Commit(); err != nil { return err }
    }
    return nil
}

func migrationFiles(dir string) ([]string, error) {
    entries, err := os.ReadDir(dir)
    if err != nil { return nil, err }
    var out []string
    for _, e := range entries {
        if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") { continue }
        out = append(out, filepath.Join(dir, e.Name()))
    }
    sort.Strings(out)
    return out, nil
}

// Row models

type studentRow struct {
    ID                       string    `db:"id"`
    Name                     string    `db:"name"`
    StudentNo                string    `db:"student_no"`
    Address                  *string   `db:"address"`
    Lat                      *float64  `db:"latitude"`
    Lng                      *float64  `db:"longitude"`
    RouteID                  *string   `db:"route_id"`
    PickupOrder              *int      `db:"pickup_order"`
    DrivingTimeSec           *int      `db:"driving_time_seconds"`
    IsBoardingToday          bool      `db:"is_boarding_today"`
    LastNotificationDistance *int      `db:"last_notification_distance"`
    CreatedAt                time.Time `db:"created_at"`
}

func (r studentRow) toModel() model.Student {
    s := model.Student{
        ID: r.ID, Name: r.Name, StudentNo: r.StudentNo, Lat: r.Lat, Lng: r.Lng, RouteID: r.RouteID,
        PickupOrder: r.PickupOrder, DrivingTimeSec: r.DrivingTimeSec, IsBoardingToday: r.IsBoardingToday,
        LastNotificationDistance: r.LastNotificationDistance, CreatedAt: r.CreatedAt,
    }
    if r.Address != nil { s.Address = *r.Address }
    return s
}

type routeRow struct {
    ID           string    `db:"id"`
    Name         string    `db:"name"`
    Description  string    `db:"description"`
    CreatedAt    time.Time `db:"created_at"`
    StudentCount int       `db:"student_count"`
}

func (r routeRow) toModel() model.Route {
    return model.Route{ID: r.ID, Name: r.Name, Description: r.Description, CreatedAt: r.CreatedAt, StudentCount: r.StudentCount}
}

type driverRow struct {
    ID            string     `db:"id"`
    Name          string     `db:"name"`
    LicenseNumber string     `db:"license_number"`
    RouteID       *string    `db:"route_id"`
    LastLat       *float64   `db:"last_latitude"`
    LastLng       *float64   `db:"last_longitude"`
    LastSeen      *time.Time `db:"last_seen"`
}

func (r driverRow) toModel() model.Driver {
    return model.Driver{ID: r.ID, Name: r.Name, LicenseNumber: r.LicenseNumber, RouteID: r.RouteID, LastLat: r.LastLat, LastLng: r.LastLng, LastSeen: r.LastSeen}
}

const studentCols = `id::text, name, student_no, address, latitude, longitude, route_id::text, pickup_order, driving_time_seconds, is_boarding_today, last_notification_distance, created_at`
const routeCols = `r.id::text, r.name, r.description, r.created_at, (SELECT count(*) FROM students s WHERE s.route_id = r.id) AS student_count`
const driverCols = `id::text, name, license_number, route_id::text, last_latitude, last_longitude, last_seen`

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
    sqlx.ExtContext
    GetContext(ctx context.Context, dest any, query string, args ...any) error
    SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Students

func (p *Postgres) CreateStudent(ctx context.Context, in model.StudentIn) (model.Student, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO students (id, name, student_no) VALUES ($1,$2,$3)`, id, in.Name, in.StudentNo)
    if err != nil { return model.Student{}, mapErr(err) }
    return p.GetStudent(ctx, id)
}

func (p *Postgres) GetStudent(ctx context.Context, id string) (model.Student, error) {
    if !validUUID(id) { return model.Student{}, ErrNotFound }
    var row studentRow
    if err := p.db.GetContext(ctx, &row, `SELECT `+studentCols+` FROM students WHERE id=$1`, id); err != nil {
        return model.Student{}, mapErr(err)
    }
    return row.toModel(), nil
}

func (p *Postgres) UpdateStudentLocation(ctx context.Context, id string, in model.StudentLocationIn) (model.Student, error) {
    if err := p.execOne(ctx, `UPDATE students SET address=$1, latitude=$2, longitude=$3 WHERE id=$4`, in.Address, *in.Lat, *in.Lng, id); err != nil {
        return model.Student{}, err
    }
    return p.GetStudent(ctx, id)
}

func (p *Postgres) SetBoarding(ctx context.Context, id string, boarding bool) (model.Student, error) {
    if err := p.execOne(ctx, `UPDATE students SET is_boarding_today=$1 WHERE id=$2`, boarding, id); err != nil {
        return model.Student{}, err
    }
    return p.GetStudent(ctx, id)
}

func (p *Postgres) ListWaitlist(ctx context.Context) ([]model.Student, error) {
    return selectStudents(ctx, p.db, `SELECT `+studentCols+` FROM students WHERE route_id IS NULL AND latitude IS NOT NULL AND longitude IS NOT NULL ORDER BY seq`)
}

func (p *Postgres) ListRouteStudents(ctx context.Context, routeID string) ([]model.Student, error) {
    return listRouteStudents(ctx, p.db, routeID)
}

func listRouteStudents(ctx context.Context, q queryer, routeID string) ([]model.Student, error) {
    if !validUUID(routeID) { return []model.Student{}, nil }
    return selectStudents(ctx, q, `SELECT `+studentCols+` FROM students WHERE route_id=$1 ORDER BY pickup_order NULLS LAST, seq`, routeID)
}

func (p *Postgres) ListBoardingStudents(ctx context.Context, routeID string) ([]model.Student, error) {
    if !validUUID(routeID) { return []model.Student{}, nil }
    return selectStudents(ctx, p.db, `SELECT `+studentCols+` FROM students WHERE route_id=$1 AND is_boarding_today ORDER BY pickup_order NULLS LAST, seq`, routeID)
}

func selectStudents(ctx context.Context, q queryer, query string, args ...any) ([]model.Student, error) {
    var rows []studentRow
    if err := q.SelectContext(ctx, &rows, query, args...); err != nil { return nil, err }
    out := make([]model.Student, 0, len(rows))
    for _, r := range rows { out = append(out, r.toModel()) }
    return out, nil
}

func (p *Postgres) CompareAndSetNotificationDistance(ctx context.Context, id string, expected, next *int) (bool, error) {
    if !validUUID(id) { return false, ErrNotFound }
    res, err := p.db.ExecContext(ctx, `UPDATE students SET last_notification_distance=$1 WHERE id=$2 AND last_notification_distance IS NOT DISTINCT FROM $3::integer`, next, id, expected)
    if err != nil { return false, err }
    n, err := res.RowsAffected()
    if err != nil { return false, err }
    if n == 1 { return true, nil }
    var exists bool
    if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM students WHERE id=$1)`, id); err != nil { return false, err }
    if !exists { return false, ErrNotFound }
    return false, nil
}

func (p *Postgres) ResetNotificationDistance(ctx context.Context, id string) error {
    return p.execOne(ctx, `UPDATE students SET last_notification_distance=NULL WHERE id=$1`, id)
}

func (p *Postgres) ResetBoardingDay(ctx context.Context) (int, error) {
    res, err := p.db.ExecContext(ctx, `UPDATE students SET is_boarding_today=false, last_notification_distance=NULL WHERE is_boarding_today OR last_notification_distance IS NOT NULL`)
    if err != nil { return 0, err }
    n, err := res.RowsAffected()
    return int(n), err
}

// Routes

func (p *Postgres) CreateRoute(ctx context.Context, in model.RouteIn) (model.Route, error) {
    return createRoute(ctx, p.db, in)
}

func createRoute(ctx context.Context, q queryer, in model.RouteIn) (model.Route, error) {
    id := uuid.New().String()
    if _, err := q.ExecContext(ctx, `INSERT INTO routes (id, name, description) VALUES ($1,$2,$3)`, id, in.Name, in.Description); err != nil {
        return model.Route{}, mapErr(err)
    }
    var row routeRow
    if err := q.GetContext(ctx, &row, `SELECT `+routeCols+` FROM routes r WHERE r.id=$1`, id); err != nil {
        return model.Route{}, mapErr(err)
    }
    return row.toModel(), nil
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
    if !validUUID(id) { return model.Route{}, ErrNotFound }
    var row routeRow
    if err := p.db.GetContext(ctx, &row, `SELECT `+routeCols+` FROM routes r WHERE r.id=$1`, id); err != nil {
        return model.Route{}, mapErr(err)
    }
    return row.toModel(), nil
}

func (p *Postgres) ListRoutes(ctx context.Context) ([]model.Route, error) {
    return listRoutes(ctx, p.db)
}

func listRoutes(ctx context.Context, q queryer) ([]model.Route, error) {
    var rows []routeRow
    if err := q.SelectContext(ctx, &rows, `SELECT `+routeCols+` FROM routes r ORDER BY student_count, r.created_at, r.id`); err != nil {
        return nil, err
    }
    out := make([]model.Route, 0, len(rows))
    for _, r := range rows { out = append(out, r.toModel()) }
    return out, nil
}

// Drivers

func (p *Postgres) CreateDriver(ctx context.Context, in model.DriverIn) (model.Driver, error) {
    id := uuid.New().String()
    if _, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, name, license_number) VALUES ($1,$2,$3)`, id, in.Name, in.LicenseNumber); err != nil {
        return model.Driver{}, mapErr(err)
    }
    return p.GetDriver(ctx, id)
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
    if !validUUID(id) { return model.Driver{}, ErrNotFound }
    var row driverRow
    if err := p.db.GetContext(ctx, &row, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, id); err != nil {
        return model.Driver{}, mapErr(err)
    }
    return row.toModel(), nil
}

func (p *Postgres) AssignDriver(ctx context.Context, driverID, routeID string) (model.Driver, error) {
    if !validUUID(driverID) || !validUUID(routeID) { return model.Driver{}, ErrNotFound }
    tx, err := p.db.BeginTxx(ctx, nil)
    if err != nil { return model.Driver{}, err }
    defer func(){ _ = tx.Rollback() }()
    var exists bool
    if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM routes WHERE id=$1)`, routeID); err != nil { return model.Driver{}, err }
    if !exists { return model.Driver{}, ErrNotFound }
    // a route has at most one driver
    if _, err := tx.ExecContext(ctx, `UPDATE drivers SET route_id=NULL WHERE route_id=$1 AND id<>$2`, routeID, driverID); err != nil { return model.Driver{}, err }
    res, err := tx.ExecContext(ctx, `UPDATE drivers SET route_id=$1 WHERE id=$2`, routeID, driverID)
    if err != nil { return model.Driver{}, err }
    if n, _ := res.RowsAffected(); n == 0 { return model.Driver{}, ErrNotFound }
    if err := tx.Commit(); err != nil { return model.Driver{}, err }
    return p.GetDriver(ctx, driverID)
}

func (p *Postgres) UpdateDriverLocation(ctx context.Context, id string, lat, lng float64, ts time.Time) (model.Driver, error) {
    if err := p.execOne(ctx, `UPDATE drivers SET last_latitude=$1, last_longitude=$2, last_seen=$3 WHERE id=$4`, lat, lng, ts.UTC(), id); err != nil {
        return model.Driver{}, err
    }
    return p.GetDriver(ctx, id)
}

func (p *Postgres) GetRouteDriver(ctx context.Context, routeID string) (model.Driver, error) {
    if !validUUID(routeID) { return model.Driver{}, ErrNotFound }
    var row driverRow
    if err := p.db.GetContext(ctx, &row, `SELECT `+driverCols+` FROM drivers WHERE route_id=$1 LIMIT 1`, routeID); err != nil {
        return model.Driver{}, mapErr(err)
    }
    return row.toModel(), nil
}

// Transactions

// serializableAttempts bounds how often Atomic runs fn when Postgres aborts
// the transaction with a serialization failure.
const serializableAttempts = 2

// Atomic runs fn in a SERIALIZABLE transaction. fn may run more than once: a
// serialization failure is retried, and reported as ErrConflict when retries
// run out.
func (p *Postgres) Atomic(ctx context.Context, fn func(tx Tx) error) error {
    return retrySerializable(ctx, func() error { return p.atomicOnce(ctx, fn) })
}

func (p *Postgres) atomicOnce(ctx context.Context, fn func(tx Tx) error) error {
    tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    if err := fn(&pgTx{tx: tx}); err != nil { return err }
    return tx.Commit()
}

func retrySerializable(ctx context.Context, run func() error) error {
    var err error
    for i := 0; i < serializableAttempts; i++ {
        err = run()
        if !isSerializationFailure(err) { return err }
        if ctx.Err() != nil { break }
    }
    return fmt.Errorf("%w: %w", ErrConflict, err)
}

// isSerializationFailure reports SQLSTATE 40001 and deadlocks (40P01).
func isSerializationFailure(err error) bool {
    var pgErr *pgconn.PgError
    return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

type pgTx struct {
    tx *sqlx.Tx
}

func (t *pgTx) ListRoutes(ctx context.Context) ([]model.Route, error) { return listRoutes(ctx, t.tx) }

func (t *pgTx) ListRouteStudents(ctx context.Context, routeID string) ([]model.Student, error) {
    return listRouteStudents(ctx, t.tx, routeID)
}

func (t *pgTx) CreateRoute(ctx context.Context, in model.RouteIn) (model.Route, error) {
    return createRoute(ctx, t.tx, in)
}

func (t *pgTx) AssignStudent(ctx context.Context, studentID, routeID string, order, drivingSec int) error {
    res, err := t.tx.ExecContext(ctx, `UPDATE students SET route_id=$1, pickup_order=$2, driving_time_seconds=$3 WHERE id=$4 AND route_id IS NULL`, routeID, order, drivingSec, studentID)
    if err != nil { return mapErr(err) }
    if n, _ := res.RowsAffected(); n == 0 {
        return fmt.Errorf("student %s not waitlisted: %w", studentID, ErrConflict)
    }
    return nil
}

func (t *pgTx) SetPickupOrder(ctx context.Context, routeID, studentID string, order int, drivingSec *int) error {
    res, err := t.tx.ExecContext(ctx, `UPDATE students SET pickup_order=$1, driving_time_seconds=COALESCE($2::integer, driving_time_seconds) WHERE id=$3 AND route_id=$4`, order, drivingSec, studentID, routeID)
    if err != nil { return mapErr(err) }
    if n, _ := res.RowsAffected(); n == 0 {
        return fmt.Errorf("student %s not on route %s: %w", studentID, routeID, ErrConflict)
    }
    return nil
}

// Helpers

func (p *Postgres) execOne(ctx context.Context, query string, args ...any) error {
    id, _ := args[len(args)-1].(string)
    if !validUUID(id) { return ErrNotFound }
    res, err := p.db.ExecContext(ctx, query, args...)
    if err != nil { return mapErr(err) }
    n, err := res.RowsAffected()
    if err != nil { return err }
    if n == 0 { return ErrNotFound }
    return nil
}

func mapErr(err error) error {
    if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
    var pgErr *pgconn.PgError
    if errors.As(err, &pgErr) && pgErr.Code == "23505" {
        return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
    }
    return err
}

func validUUID(s string) bool {
    _, err := uuid.Parse(s)
    return err == nil
}

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ChangeChannel is the NOTIFY channel the rides trigger writes to.
const ChangeChannel = "ride_changes"

const rideColumns = `id, passenger_id, driver_id,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	candidate_cells, status, estimated_fare, created_at, updated_at, version`

// PostgresStore keeps rides in Postgres. Change events are produced by the
// rides_changes trigger, not by this type.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file-name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.RideRequest) error {
	const op = "postgres.CreateRide"
	r.Version = 1
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO rides (id, passenger_id, pickup_lat, pickup_lng, pickup_address,
		dropoff_lat, dropoff_lng, dropoff_address, candidate_cells, status, estimated_fare)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at, version`,
		r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address, pq.Array(r.CandidateCells), r.Status, r.EstimatedFare)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt, &r.Version); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%s %s: %w", op, r.ID, ErrDuplicateRide)
		}
		return classify(op, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, models.ErrRideNotFound
	}
	if err != nil {
		return models.RideRequest{}, classify("postgres.GetRide", err)
	}
	return r, nil
}

func (p *PostgresStore) AssignDriver(ctx context.Context, rideID, driverID string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET driver_id = $2, status = 'ACCEPTED', updated_at = now(), version = version + 1
		WHERE id = $1 AND status = 'PENDING' AND driver_id IS NULL
		RETURNING `+rideColumns, rideID, driverID)
	return p.conditional(ctx, "postgres.AssignDriver", rideID, row)
}

func (p *PostgresStore) MarkNoDrivers(ctx context.Context, rideID string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status = 'NO_DRIVERS_AVAILABLE', updated_at = now(), version = version + 1
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+rideColumns, rideID)
	return p.conditional(ctx, "postgres.MarkNoDrivers", rideID, row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, rideID, driverID string, next models.Status) (models.RideRequest, error) {
	const op = "postgres.UpdateStatus"
	prev, ok := next.Predecessor()
	if !ok {
		return models.RideRequest{}, fmt.Errorf("%s %s to %s: %w", op, rideID, next, models.ErrInvalidTransition)
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status = $3, updated_at = now(), version = version + 1
		WHERE id = $1 AND driver_id = $2 AND status = $4
		RETURNING `+rideColumns, rideID, driverID, next, prev)
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, classify(op, err)
	}
	cur, gerr := p.Get(ctx, rideID)
	if gerr != nil {
		return models.RideRequest{}, gerr
	}
	if cur.DriverID != driverID {
		return cur, models.ErrForbidden
	}
	return cur, fmt.Errorf("%s -> %s: %w", cur.Status, next, models.ErrInvalidTransition)
}

func (p *PostgresStore) Cancel(ctx context.Context, rideID string) (models.RideRequest, error) {
	const op = "postgres.Cancel"
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status = 'CANCELLED', updated_at = now(), version = version + 1
		WHERE id = $1 AND status IN ('PENDING', 'ACCEPTED', 'ARRIVED', 'IN_PROGRESS')
		RETURNING `+rideColumns, rideID)
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, classify(op, err)
	}
	cur, gerr := p.Get(ctx, rideID)
	if gerr != nil {
		return models.RideRequest{}, gerr
	}
	return cur, fmt.Errorf("%s -> %s: %w", cur.Status, models.StatusCancelled, models.ErrInvalidTransition)
}

// conditional turns an empty RETURNING into ErrConditionFailed, or
// ErrRideNotFound when the row does not exist at all.
func (p *PostgresStore) conditional(ctx context.Context, op, rideID string, row *sql.Row) (models.RideRequest, error) {
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, classify(op, err)
	}
	cur, gerr := p.Get(ctx, rideID)
	if gerr != nil {
		return models.RideRequest{}, gerr
	}
	return cur, models.ErrConditionFailed
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.RideRequest, error) {
	var r models.RideRequest
	var driverID sql.NullString
	err := s.Scan(&r.ID, &r.PassengerID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		pq.Array(&r.CandidateCells), &r.Status, &r.EstimatedFare, &r.CreatedAt, &r.UpdatedAt, &r.Version)
	if err != nil {
		return models.RideRequest{}, err
	}
	r.DriverID = driverID.String
	return r, nil
}

// classify wraps err, marking connection loss, serialization failures and
// resource exhaustion as transient.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"idreader/internal/rectangle"
)

// Run statuses. starting and running count as active for single-flight.
const (
	RunStarting = "starting"
	RunRunning  = "running"
	RunComplete = "complete"
	RunError    = "error"
)

// ErrRunInFlight reports that another resolver run is already active. The
// second invocation must be rejected, not raced.
var ErrRunInFlight = errors.New("an ID reader run is already in flight")

type Run struct {
	ID        int64
	Status    string
	Message   string
	Box       rectangle.Box
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunRepo tracks resolver runs and enforces single-flight through the
// partial unique index on active statuses.
type RunRepo struct{ DB *sql.DB }

func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{DB: db} }

// Begin registers a new run in status starting. Returns ErrRunInFlight when
// another run is active (unique-violation on the single-flight index).
func (r *RunRepo) Begin(ctx context.Context, box rectangle.Box) (int64, error) {
	const q = `
insert into id_reader_runs (status, left_f, top_f, right_f, bottom_f)
values ($1, $2, $3, $4, $5)
returning id`
	var id int64
	err := r.DB.QueryRowContext(ctx, q, RunStarting, box.Left, box.Top, box.Right, box.Bottom).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, ErrRunInFlight
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SetRunning moves a run from starting to running.
func (r *RunRepo) SetRunning(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, RunRunning, "")
}

// Finish closes a run with its final status and a human-readable summary.
func (r *RunRepo) Finish(ctx context.Context, id int64, status, message string) error {
	return r.setStatus(ctx, id, status, message)
}

func (r *RunRepo) setStatus(ctx context.Context, id int64, status, message string) error {
	const q = `update id_reader_runs set status = $2, message = $3, updated_at = now() where id = $1`
	res, err := r.DB.ExecContext(ctx, q, id, status, message)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return ErrNotFound
	}
	return nil
}

// Latest returns the most recent run, or ErrNotFound when none exist.
func (r *RunRepo) Latest(ctx context.Context) (*Run, error) {
	const q = `
select id, status, message, left_f, top_f, right_f, bottom_f, created_at, updated_at
from id_reader_runs
order by id desc
limit 1`
	var run Run
	err := r.DB.QueryRowContext(ctx, q).Scan(&run.ID, &run.Status, &run.Message,
		&run.Box.Left, &run.Box.Top, &run.Box.Right, &run.Box.Bottom,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Active reports whether a run is currently in flight.
func Active(status string) bool {
	return status == RunStarting || status == RunRunning
}

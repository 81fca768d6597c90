package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the tables this service owns if they do not exist.
// The scanning and roster subsystems populate reference_images, id_pages,
// id_tasks and classlist; this service only reads them.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`create table if not exists reference_images (
			version     integer not null,
			page_number integer not null,
			image_path  text    not null,
			width       integer not null,
			height      integer not null,
			markers     jsonb   not null,
			primary key (version, page_number)
		)`,
		`create table if not exists id_pages (
			paper_number integer primary key,
			version      integer not null,
			page_number  integer not null,
			image_path   text    not null,
			markers      jsonb   not null
		)`,
		`create table if not exists id_tasks (
			paper_number integer primary key,
			status       text not null check (status in ('todo', 'complete')),
			student_id   text
		)`,
		`create table if not exists classlist (
			student_id   text primary key,
			name         text not null default '',
			paper_number integer
		)`,
		`create table if not exists id_predictions (
			paper_number integer not null,
			predictor    text    not null,
			student_id   text    not null,
			certainty    double precision not null,
			created_at   timestamptz not null default now(),
			updated_at   timestamptz not null default now(),
			primary key (paper_number, predictor)
		)`,
		`create table if not exists id_reader_runs (
			id         bigserial primary key,
			status     text not null,
			message    text not null default '',
			left_f     double precision not null,
			top_f      double precision not null,
			right_f    double precision not null,
			bottom_f   double precision not null,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)`,
		// At most one run may be active; the single-flight guard rides on
		// this index, not on a read-then-insert race.
		`create unique index if not exists id_reader_runs_single_flight
			on id_reader_runs ((1)) where status in ('starting', 'running')`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

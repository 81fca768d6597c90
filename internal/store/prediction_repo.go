package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"idreader/internal/predict"
)

var ErrNotFound = sql.ErrNoRows

// PredictionRepo persists ID predictions keyed by (paper_number, predictor).
// Re-running a predictor overwrites its previous row per paper and never
// touches rows of other predictors.
type PredictionRepo struct{ DB *sql.DB }

func NewPredictionRepo(db *sql.DB) *PredictionRepo { return &PredictionRepo{DB: db} }

// PredictionRow is one stored prediction.
type PredictionRow struct {
	Paper     int
	Predictor predict.Kind
	StudentID string
	Certainty float64
}

// Upsert writes or replaces the prediction of one predictor for one paper.
// Certainty is rounded to 2 decimals here, at the persistence boundary; the
// unrounded value stays authoritative in memory.
func (r *PredictionRepo) Upsert(ctx context.Context, paper int, kind predict.Kind, studentID string, certainty float64) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown predictor kind %q", kind)
	}
	const q = `
insert into id_predictions (paper_number, predictor, student_id, certainty)
values ($1, $2, $3, $4)
on conflict (paper_number, predictor) do update
set student_id = excluded.student_id,
    certainty  = excluded.certainty,
    updated_at = now()`
	_, err := r.DB.ExecContext(ctx, q, paper, string(kind), studentID, math.Round(certainty*100)/100)
	return err
}

// DeleteByKind removes every prediction of one predictor, returning how many
// rows went away.
func (r *PredictionRepo) DeleteByKind(ctx context.Context, kind predict.Kind) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown predictor kind %q", kind)
	}
	res, err := r.DB.ExecContext(ctx, `delete from id_predictions where predictor = $1`, string(kind))
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}

// ListByKind returns the predictions of one predictor ordered by paper.
func (r *PredictionRepo) ListByKind(ctx context.Context, kind predict.Kind) ([]PredictionRow, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown predictor kind %q", kind)
	}
	const q = `
select paper_number, predictor, student_id, certainty
from id_predictions
where predictor = $1
order by paper_number`
	rows, err := r.DB.QueryContext(ctx, q, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PredictionRow
	for rows.Next() {
		var p PredictionRow
		var predictor string
		if err := rows.Scan(&p.Paper, &predictor, &p.StudentID, &p.Certainty); err != nil {
			return nil, err
		}
		p.Predictor = predict.Kind(predictor)
		out = append(out, p)
	}
	return out, rows.Err()
}

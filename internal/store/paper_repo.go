package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"idreader/internal/rectangle"
)

// PaperRepo reads the page, task and roster records owned by the scanning
// and roster subsystems.
type PaperRepo struct{ DB *sql.DB }

func NewPaperRepo(db *sql.DB) *PaperRepo { return &PaperRepo{DB: db} }

// ReferencePage is the idealized page layout of one assessment version.
type ReferencePage struct {
	Version    int
	PageNumber int
	ImagePath  string
	Width      int
	Height     int
	Markers    rectangle.Markers
}

func (r *PaperRepo) ReferencePage(ctx context.Context, version, page int) (*ReferencePage, error) {
	const q = `
select image_path, width, height, markers
from reference_images
where version = $1 and page_number = $2`
	var (
		rp ReferencePage
		js []byte
	)
	rp.Version, rp.PageNumber = version, page
	err := r.DB.QueryRowContext(ctx, q, version, page).Scan(&rp.ImagePath, &rp.Width, &rp.Height, &js)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no reference image for v%d pg%d: %w", version, page, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(js, &rp.Markers); err != nil {
		return nil, fmt.Errorf("reference image v%d pg%d: bad marker JSON: %w", version, page, err)
	}
	return &rp, nil
}

// IDPage is one scanned ID page plus its detected marker positions.
type IDPage struct {
	Paper     int
	ImagePath string
	Markers   rectangle.Markers
}

// IDPages returns every scanned ID page, ordered by paper number.
func (r *PaperRepo) IDPages(ctx context.Context) ([]IDPage, error) {
	const q = `select paper_number, image_path, markers from id_pages order by paper_number`
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IDPage
	for rows.Next() {
		var (
			pg IDPage
			js []byte
		)
		if err := rows.Scan(&pg.Paper, &pg.ImagePath, &js); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(js, &pg.Markers); err != nil {
			return nil, fmt.Errorf("paper %d: bad marker JSON: %w", pg.Paper, err)
		}
		out = append(out, pg)
	}
	return out, rows.Err()
}

// UnidentifiedPapers returns the papers still waiting on identification,
// ascending.
func (r *PaperRepo) UnidentifiedPapers(ctx context.Context) ([]int, error) {
	return r.intColumn(ctx, `select paper_number from id_tasks where status = 'todo' order by paper_number`)
}

// MatchedStudentIDs returns the student IDs already consumed by completed
// identifications.
func (r *PaperRepo) MatchedStudentIDs(ctx context.Context) ([]string, error) {
	return r.textColumn(ctx, `
select student_id from id_tasks
where status = 'complete' and student_id is not null
order by paper_number`)
}

// ClasslistIDs returns the full roster in a stable order. Greedy tie-breaks
// on this order, so it must not change between runs.
func (r *PaperRepo) ClasslistIDs(ctx context.Context) ([]string, error) {
	return r.textColumn(ctx, `select student_id from classlist order by student_id`)
}

// Prenamed returns the roster-declared (paper, student) pairings.
func (r *PaperRepo) Prenamed(ctx context.Context) (map[int]string, error) {
	const q = `select paper_number, student_id from classlist where paper_number is not null`
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			pn  int
			sid string
		)
		if err := rows.Scan(&pn, &sid); err != nil {
			return nil, err
		}
		out[pn] = sid
	}
	return out, rows.Err()
}

func (r *PaperRepo) intColumn(ctx context.Context, q string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PaperRepo) textColumn(ctx context.Context, q string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

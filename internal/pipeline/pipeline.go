// Package pipeline wires the stages together: extract ID boxes from scanned
// pages, classify digits into probability matrices, resolve matrices against
// the roster with both predictors, and persist the predictions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"idreader/internal/classify"
	"idreader/internal/heatmap"
	"idreader/internal/idbox"
	"idreader/internal/predict"
	"idreader/internal/rectangle"
	"idreader/internal/store"
)

// PrenameCertainty is the fixed nominal certainty of roster-declared
// pairings.
const PrenameCertainty = 0.9

// PredictionStore is the slice of store.PredictionRepo the pipeline needs.
type PredictionStore interface {
	Upsert(ctx context.Context, paper int, kind predict.Kind, studentID string, certainty float64) error
	DeleteByKind(ctx context.Context, kind predict.Kind) (int64, error)
}

// PaperStore is the slice of store.PaperRepo the pipeline needs.
type PaperStore interface {
	IDPages(ctx context.Context) ([]store.IDPage, error)
	UnidentifiedPapers(ctx context.Context) ([]int, error)
	MatchedStudentIDs(ctx context.Context) ([]string, error)
	ClasslistIDs(ctx context.Context) ([]string, error)
	Prenamed(ctx context.Context) (map[int]string, error)
}

type Pipeline struct {
	Papers      PaperStore
	Predictions PredictionStore
	Classifier  classify.Classifier
	Extractor   *rectangle.Extractor

	MediaRoot string
	NumDigits int
	DebugDir  string // when set, trimmed strips and digit bitmaps are dumped here
	Workers   int    // image-stage parallelism; 0 means NumCPU
}

// Summary aggregates per-page outcomes of one run. Per-page failures exclude
// the paper and are counted here instead of aborting the batch.
type Summary struct {
	PagesScanned int
	NoRegion     int // geometric failures: markers unresolvable or empty crop
	NoMatrix     int // segmentation failures: digit isolation failed
	Matrices     int
	Greedy       int
	Assigned     int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d pages: %d matrices (%d no region, %d unreadable digits), %d greedy + %d assignment predictions",
		s.PagesScanned, s.Matrices, s.NoRegion, s.NoMatrix, s.Greedy, s.Assigned)
}

// Run executes the full resolver pipeline for the given ID-box location.
// When reuseHeatmap is set the image stages are skipped and the stored
// probability heatmap is loaded instead; matching still uses the current
// roster.
func (p *Pipeline) Run(ctx context.Context, box rectangle.Box, reuseHeatmap bool) (*Summary, error) {
	summary := &Summary{}

	var probs map[int]predict.ProbMatrix
	if reuseHeatmap {
		var err error
		probs, err = heatmap.Load(p.MediaRoot)
		if err != nil {
			return nil, fmt.Errorf("load stored heatmap: %w", err)
		}
		summary.Matrices = len(probs)
	} else {
		var err error
		probs, err = p.computeHeatmap(ctx, box, summary)
		if err != nil {
			return nil, err
		}
		if err := heatmap.Save(p.MediaRoot, probs); err != nil {
			return nil, fmt.Errorf("save heatmap: %w", err)
		}
	}

	if err := p.resolve(ctx, probs, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// computeHeatmap runs extraction and classification over every scanned ID
// page that is not prenamed. Papers are processed in parallel; results are
// keyed by paper number so parallelism cannot change the outcome.
func (p *Pipeline) computeHeatmap(ctx context.Context, box rectangle.Box, summary *Summary) (map[int]predict.ProbMatrix, error) {
	pages, err := p.Papers.IDPages(ctx)
	if err != nil {
		return nil, err
	}
	prenamed, err := p.Papers.Prenamed(ctx)
	if err != nil {
		return nil, err
	}
	var work []store.IDPage
	for _, pg := range pages {
		if _, ok := prenamed[pg.Paper]; ok {
			continue
		}
		work = append(work, pg)
	}
	summary.PagesScanned = len(work)

	boxDir := filepath.Join(p.MediaRoot, "id_box_images")
	if err := os.MkdirAll(boxDir, 0o755); err != nil {
		return nil, err
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		probs    = make(map[int]predict.ProbMatrix)
		fatalErr error
	)
	jobs := make(chan store.IDPage)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pg := range jobs {
				matrix, err := p.processPage(ctx, pg, box, boxDir)
				mu.Lock()
				switch {
				case err == nil:
					probs[pg.Paper] = matrix
				case errors.Is(err, rectangle.ErrNoRegion):
					summary.NoRegion++
					log.Printf("paper %d: %v", pg.Paper, err)
				case errors.Is(err, idbox.ErrNoDigits):
					summary.NoMatrix++
					log.Printf("paper %d: %v", pg.Paper, err)
				default:
					if fatalErr == nil {
						fatalErr = fmt.Errorf("paper %d: %w", pg.Paper, err)
						cancel()
					}
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, pg := range work {
		select {
		case jobs <- pg:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	summary.Matrices = len(probs)
	return probs, nil
}

// processPage takes one scanned page all the way to a probability matrix.
func (p *Pipeline) processPage(ctx context.Context, pg store.IDPage, box rectangle.Box, boxDir string) (predict.ProbMatrix, error) {
	page := gocv.IMRead(pg.ImagePath, gocv.IMReadColor)
	if page.Empty() {
		return nil, fmt.Errorf("%w: cannot read %s", rectangle.ErrNoRegion, pg.ImagePath)
	}
	defer page.Close()

	idBox, err := p.Extractor.ExtractRegion(page, pg.Markers, box)
	if err != nil {
		return nil, err
	}
	defer idBox.Close()
	gocv.IMWrite(filepath.Join(boxDir, fmt.Sprintf("id_box_%04d.png", pg.Paper)), idBox)

	strip, err := idbox.DigitStrip(idBox)
	if err != nil {
		return nil, err
	}
	defer strip.Close()
	p.debugWrite(fmt.Sprintf("idbox_%04d.png", pg.Paper), strip)

	digits, err := idbox.SegmentDigits(strip, p.NumDigits)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, d := range digits {
			d.Close()
		}
	}()

	matrix := make(predict.ProbMatrix, 0, len(digits))
	for i, digit := range digits {
		p.debugWrite(fmt.Sprintf("digit_%04d-pos%d.png", pg.Paper, i), digit)
		vec, err := idbox.ToVector(digit)
		if err != nil {
			return nil, err
		}
		row, err := p.Classifier.PredictProba(ctx, vec)
		if err != nil {
			return nil, err
		}
		matrix = append(matrix, row)
	}
	return matrix, nil
}

func (p *Pipeline) debugWrite(name string, m gocv.Mat) {
	if p.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(p.DebugDir, 0o755); err != nil {
		return
	}
	gocv.IMWrite(filepath.Join(p.DebugDir, name), m)
}

// resolve runs both predictors over the matrices and persists their
// predictions. Rows are written only after a strategy has completed in full,
// so an aborted strategy persists nothing.
func (p *Pipeline) resolve(ctx context.Context, probs map[int]predict.ProbMatrix, summary *Summary) error {
	roster, err := p.availableRoster(ctx)
	if err != nil {
		return err
	}
	papers, probs, err := p.papersToResolve(ctx, probs)
	if err != nil {
		return err
	}

	greedy, err := predict.Greedy(roster, probs)
	if err != nil {
		return fmt.Errorf("greedy predictor: %w", err)
	}
	for _, pr := range greedy {
		if err := p.Predictions.Upsert(ctx, pr.Paper, predict.KindGreedy, pr.StudentID, pr.Certainty); err != nil {
			return err
		}
	}
	summary.Greedy = len(greedy)

	assigned, err := predict.Assign(papers, roster, probs)
	if err != nil {
		return fmt.Errorf("assignment predictor: %w", err)
	}
	for _, pr := range assigned {
		if err := p.Predictions.Upsert(ctx, pr.Paper, predict.KindLAP, pr.StudentID, pr.Certainty); err != nil {
			return err
		}
	}
	summary.Assigned = len(assigned)
	return nil
}

// availableRoster is the classlist minus the student IDs already consumed by
// completed identifications.
func (p *Pipeline) availableRoster(ctx context.Context) ([]string, error) {
	roster, err := p.Papers.ClasslistIDs(ctx)
	if err != nil {
		return nil, err
	}
	matched, err := p.Papers.MatchedStudentIDs(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(matched))
	for _, sid := range matched {
		used[sid] = true
	}
	out := roster[:0:0]
	for _, sid := range roster {
		if !used[sid] {
			out = append(out, sid)
		}
	}
	return out, nil
}

// papersToResolve intersects the unidentified papers with those we have a
// matrix for, ascending, and trims probs to that set.
func (p *Pipeline) papersToResolve(ctx context.Context, probs map[int]predict.ProbMatrix) ([]int, map[int]predict.ProbMatrix, error) {
	unidentified, err := p.Papers.UnidentifiedPapers(ctx)
	if err != nil {
		return nil, nil, err
	}
	var papers []int
	trimmed := make(map[int]predict.ProbMatrix)
	for _, pn := range unidentified {
		if m, ok := probs[pn]; ok {
			papers = append(papers, pn)
			trimmed[pn] = m
		}
	}
	sort.Ints(papers)
	return papers, trimmed, nil
}

// AddPrenamePredictions writes a prename prediction for every
// roster-declared pairing, with the fixed nominal certainty. The ML
// predictors never touch these rows.
func (p *Pipeline) AddPrenamePredictions(ctx context.Context) (int, error) {
	prenamed, err := p.Papers.Prenamed(ctx)
	if err != nil {
		return 0, err
	}
	papers := make([]int, 0, len(prenamed))
	for pn := range prenamed {
		papers = append(papers, pn)
	}
	sort.Ints(papers)
	for _, pn := range papers {
		if err := p.Predictions.Upsert(ctx, pn, predict.KindPrename, prenamed[pn], PrenameCertainty); err != nil {
			return 0, err
		}
	}
	return len(papers), nil
}

// DeleteMachinePredictions bulk-deletes both ML predictors' rows, leaving
// prename and human rows alone.
func (p *Pipeline) DeleteMachinePredictions(ctx context.Context) (int64, error) {
	var total int64
	for _, kind := range []predict.Kind{predict.KindGreedy, predict.KindLAP} {
		n, err := p.Predictions.DeleteByKind(ctx, kind)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

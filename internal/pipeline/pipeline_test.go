package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"idreader/internal/heatmap"
	"idreader/internal/predict"
	"idreader/internal/rectangle"
	"idreader/internal/store"
)

func boxAny() rectangle.Box { return rectangle.Box{Left: 0.1, Top: 0.2, Right: 0.9, Bottom: 0.3} }

type fakePapers struct {
	pages        []store.IDPage
	unidentified []int
	matched      []string
	classlist    []string
	prenamed     map[int]string
}

func (f *fakePapers) IDPages(context.Context) ([]store.IDPage, error) { return f.pages, nil }

func (f *fakePapers) UnidentifiedPapers(context.Context) ([]int, error) { return f.unidentified, nil }

func (f *fakePapers) MatchedStudentIDs(context.Context) ([]string, error) { return f.matched, nil }

func (f *fakePapers) ClasslistIDs(context.Context) ([]string, error) { return f.classlist, nil }

func (f *fakePapers) Prenamed(context.Context) (map[int]string, error) { return f.prenamed, nil }

type storedRow struct {
	StudentID string
	Certainty float64
}

type fakePredictions struct {
	mu      sync.Mutex
	rows    map[string]storedRow // "paper/kind" -> row
	upserts int
	deleted map[predict.Kind]int64
}

func newFakePredictions() *fakePredictions {
	return &fakePredictions{
		rows:    make(map[string]storedRow),
		deleted: make(map[predict.Kind]int64),
	}
}

func key(paper int, kind predict.Kind) string { return fmt.Sprintf("%d/%s", paper, kind) }

func (f *fakePredictions) Upsert(_ context.Context, paper int, kind predict.Kind, sid string, certainty float64) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown predictor kind %q", kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[key(paper, kind)] = storedRow{StudentID: sid, Certainty: certainty}
	f.upserts++
	return nil
}

func (f *fakePredictions) DeleteByKind(_ context.Context, kind predict.Kind) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k := range f.rows {
		var paper int
		var got string
		fmt.Sscanf(k, "%d/%s", &paper, &got)
		if got == string(kind) {
			delete(f.rows, k)
			n++
		}
	}
	f.deleted[kind] += n
	return n, nil
}

func favoring(sid string, pCorrect, pOther float64) predict.ProbMatrix {
	m := make(predict.ProbMatrix, len(sid))
	for i := range m {
		row := make([]float64, 10)
		for d := range row {
			row[d] = pOther
		}
		row[sid[i]-'0'] = pCorrect
		m[i] = row
	}
	return m
}

// savedHeatmap writes matrices to a temp media root so Run can take the
// reuse-heatmap path, which exercises resolution and persistence without any
// image work.
func savedHeatmap(t *testing.T, probs map[int]predict.ProbMatrix) string {
	t.Helper()
	dir := t.TempDir()
	if err := heatmap.Save(dir, probs); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunResolvesAndPersistsBothStrategies(t *testing.T) {
	probs := map[int]predict.ProbMatrix{
		1: favoring("12345678", 0.9, 0.011),
		2: favoring("87654321", 0.9, 0.011),
	}
	papers := &fakePapers{
		unidentified: []int{1, 2},
		classlist:    []string{"12345678", "87654321"},
	}
	preds := newFakePredictions()
	p := &Pipeline{
		Papers:      papers,
		Predictions: preds,
		MediaRoot:   savedHeatmap(t, probs),
		NumDigits:   8,
	}

	summary, err := p.Run(context.Background(), boxAny(), true)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Greedy != 2 || summary.Assigned != 2 {
		t.Fatalf("summary = %+v, want 2 greedy and 2 assigned", summary)
	}

	want := map[string]string{
		key(1, predict.KindGreedy): "12345678",
		key(2, predict.KindGreedy): "87654321",
		key(1, predict.KindLAP):    "12345678",
		key(2, predict.KindLAP):    "87654321",
	}
	if len(preds.rows) != len(want) {
		t.Fatalf("stored %d rows, want %d: %+v", len(preds.rows), len(want), preds.rows)
	}
	for k, sid := range want {
		row, ok := preds.rows[k]
		if !ok || row.StudentID != sid {
			t.Fatalf("row %s = %+v, want student %s", k, row, sid)
		}
		if row.Certainty <= 0.8 {
			t.Fatalf("row %s certainty %.3f, want > 0.8", k, row.Certainty)
		}
	}
}

func TestRunTwiceOverwritesInsteadOfDuplicating(t *testing.T) {
	probs := map[int]predict.ProbMatrix{1: favoring("12345678", 0.9, 0.011)}
	papers := &fakePapers{
		unidentified: []int{1},
		classlist:    []string{"12345678", "87654321"},
	}
	preds := newFakePredictions()
	p := &Pipeline{Papers: papers, Predictions: preds, MediaRoot: savedHeatmap(t, probs), NumDigits: 8}

	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background(), boxAny(), true); err != nil {
			t.Fatal(err)
		}
	}
	// Four upserts happened but the keyed rows stay at one per (paper, kind).
	if preds.upserts != 4 {
		t.Fatalf("upserts = %d, want 4", preds.upserts)
	}
	if len(preds.rows) != 2 {
		t.Fatalf("rows = %d, want one per predictor kind: %+v", len(preds.rows), preds.rows)
	}
}

func TestRunExcludesConsumedStudentIDs(t *testing.T) {
	probs := map[int]predict.ProbMatrix{1: favoring("87654321", 0.9, 0.011)}
	papers := &fakePapers{
		unidentified: []int{1},
		classlist:    []string{"12345678", "87654321"},
		matched:      []string{"87654321"}, // already identified on another paper
	}
	preds := newFakePredictions()
	p := &Pipeline{Papers: papers, Predictions: preds, MediaRoot: savedHeatmap(t, probs), NumDigits: 8}

	if _, err := p.Run(context.Background(), boxAny(), true); err != nil {
		t.Fatal(err)
	}
	for k, row := range preds.rows {
		if row.StudentID == "87654321" {
			t.Fatalf("row %s picked a consumed student ID", k)
		}
	}
}

func TestRunEmptyRosterIsDegenerate(t *testing.T) {
	probs := map[int]predict.ProbMatrix{1: favoring("12345678", 0.9, 0.011)}
	papers := &fakePapers{unidentified: []int{1}}
	preds := newFakePredictions()
	p := &Pipeline{Papers: papers, Predictions: preds, MediaRoot: savedHeatmap(t, probs), NumDigits: 8}

	_, err := p.Run(context.Background(), boxAny(), true)
	if !errors.Is(err, predict.ErrDegenerate) {
		t.Fatalf("want ErrDegenerate, got %v", err)
	}
	if len(preds.rows) != 0 {
		t.Fatalf("no partial persistence expected, got %+v", preds.rows)
	}
}

func TestRunSkipsIdentifiedPapers(t *testing.T) {
	probs := map[int]predict.ProbMatrix{
		1: favoring("12345678", 0.9, 0.011),
		2: favoring("87654321", 0.9, 0.011),
	}
	papers := &fakePapers{
		unidentified: []int{2}, // paper 1 already done by a human
		classlist:    []string{"12345678", "87654321"},
	}
	preds := newFakePredictions()
	p := &Pipeline{Papers: papers, Predictions: preds, MediaRoot: savedHeatmap(t, probs), NumDigits: 8}

	if _, err := p.Run(context.Background(), boxAny(), true); err != nil {
		t.Fatal(err)
	}
	if _, ok := preds.rows[key(1, predict.KindGreedy)]; ok {
		t.Fatal("identified paper must not be re-predicted")
	}
	if _, ok := preds.rows[key(2, predict.KindGreedy)]; !ok {
		t.Fatal("unidentified paper must be predicted")
	}
}

func TestAddPrenamePredictions(t *testing.T) {
	papers := &fakePapers{prenamed: map[int]string{3: "11223344", 7: "55667788"}}
	preds := newFakePredictions()
	p := &Pipeline{Papers: papers, Predictions: preds}

	n, err := p.AddPrenamePredictions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	row, ok := preds.rows[key(3, predict.KindPrename)]
	if !ok || row.StudentID != "11223344" || row.Certainty != PrenameCertainty {
		t.Fatalf("prename row = %+v", row)
	}
}

func TestDeleteMachinePredictionsLeavesPrename(t *testing.T) {
	preds := newFakePredictions()
	ctx := context.Background()
	_ = preds.Upsert(ctx, 1, predict.KindGreedy, "12345678", 0.9)
	_ = preds.Upsert(ctx, 1, predict.KindLAP, "12345678", 0.9)
	_ = preds.Upsert(ctx, 1, predict.KindPrename, "12345678", PrenameCertainty)

	p := &Pipeline{Predictions: preds}
	n, err := p.DeleteMachinePredictions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
	if _, ok := preds.rows[key(1, predict.KindPrename)]; !ok {
		t.Fatal("prename row must survive machine-prediction deletion")
	}
}

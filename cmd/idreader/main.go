// Command idreader runs the automated student-ID resolution pipeline:
// extract the handwritten ID box from every scanned ID page, classify the
// digits, and match papers to the roster with the greedy and global-optimal
// predictors.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"gocv.io/x/gocv"

	"idreader/internal/classify"
	"idreader/internal/classify/gemini"
	"idreader/internal/classify/onnx"
	"idreader/internal/config"
	"idreader/internal/pipeline"
	"idreader/internal/predict"
	"idreader/internal/rectangle"
	"idreader/internal/store"
)

func main() {
	var (
		findRect     = flag.Bool("rectangle", false, "just locate the ID-box rectangle on the reference image")
		run          = flag.Bool("run", false, "run the full ID-reader pipeline")
		wait         = flag.Bool("wait", false, "wait for any in-flight ID-reader run to finish")
		del          = flag.Bool("delete", false, "delete all machine-made ID predictions")
		prename      = flag.Bool("prename", false, "write prename predictions from the classlist pairings")
		boxSpec      = flag.String("box", "", "ID-box location as left,top,right,bottom fractions (default: detect on reference image)")
		reuseHeatmap = flag.Bool("reuse-heatmap", false, "reuse the stored probability heatmap instead of redoing image work")
	)
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	dsn := config.ResolveDSN()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)
	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			log.Fatalf("db.Ping: %v", err)
		}
	}
	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Fatal(err)
	}

	papers := store.NewPaperRepo(db)
	predictions := store.NewPredictionRepo(db)
	runs := store.NewRunRepo(db)

	switch {
	case *findRect:
		_, box := mustFindRectangle(ctx, cfg, papers)
		log.Printf("found id box rectangle at %s", box)

	case *run:
		runReader(ctx, cfg, papers, predictions, runs, *boxSpec, *reuseHeatmap)

	case *wait:
		waitForRun(ctx, runs)

	case *del:
		p := &pipeline.Pipeline{Predictions: predictions}
		n, err := p.DeleteMachinePredictions(ctx)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("deleted %d %s and %s predictions", n, predict.KindGreedy, predict.KindLAP)

	case *prename:
		p := &pipeline.Pipeline{Papers: papers, Predictions: predictions}
		n, err := p.AddPrenamePredictions(ctx)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %d prename predictions", n)

	default:
		flag.Usage()
	}
}

// mustFindRectangle builds the marker coordinate system from the reference
// image and, unless a box is supplied later, locates the ID box on it.
func mustFindRectangle(ctx context.Context, cfg *config.Config, papers *store.PaperRepo) (*rectangle.Extractor, rectangle.Box) {
	ref, err := papers.ReferencePage(ctx, cfg.Version, cfg.IDPageNumber)
	if err != nil {
		log.Fatal(err)
	}
	ex, err := rectangle.NewExtractor(ref.Markers, ref.Width, ref.Height)
	if err != nil {
		log.Fatal(err)
	}
	img := gocv.IMRead(ref.ImagePath, gocv.IMReadColor)
	if img.Empty() {
		log.Fatalf("cannot read reference image %s", ref.ImagePath)
	}
	defer img.Close()
	box, err := ex.FindLargestRectangle(img, nil)
	if err != nil {
		log.Fatal(err)
	}
	return ex, *box
}

func runReader(ctx context.Context, cfg *config.Config, papers *store.PaperRepo,
	predictions *store.PredictionRepo, runs *store.RunRepo, boxSpec string, reuseHeatmap bool) {

	var (
		ex  *rectangle.Extractor
		box rectangle.Box
	)
	if boxSpec != "" {
		parsed, err := parseBox(boxSpec)
		if err != nil {
			log.Fatal(err)
		}
		box = parsed
		ref, err := papers.ReferencePage(ctx, cfg.Version, cfg.IDPageNumber)
		if err != nil {
			log.Fatal(err)
		}
		ex, err = rectangle.NewExtractor(ref.Markers, ref.Width, ref.Height)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		ex, box = mustFindRectangle(ctx, cfg, papers)
		log.Printf("using detected id box rectangle %s", box)
	}

	// The classifier loads before any per-page work: a missing or corrupt
	// model must fail the whole invocation up front.
	cls, err := buildClassifier(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cls.Close()

	runID, err := runs.Begin(ctx, box)
	if errors.Is(err, store.ErrRunInFlight) {
		log.Fatal("the ID reader is already running")
	}
	if err != nil {
		log.Fatal(err)
	}

	p := &pipeline.Pipeline{
		Papers:      papers,
		Predictions: predictions,
		Classifier:  cls,
		Extractor:   ex,
		MediaRoot:   cfg.MediaRoot,
		NumDigits:   cfg.NumDigits,
		DebugDir:    cfg.DebugDir,
		Workers:     cfg.Workers,
	}

	if err := runs.SetRunning(ctx, runID); err != nil {
		log.Fatal(err)
	}
	summary, err := p.Run(ctx, box, reuseHeatmap)
	if err != nil {
		_ = runs.Finish(ctx, runID, store.RunError, err.Error())
		log.Fatalf("id reader failed: %v", err)
	}
	if err := runs.Finish(ctx, runID, store.RunComplete, summary.String()); err != nil {
		log.Fatal(err)
	}
	log.Printf("id reader finished: %s", summary)
}

func waitForRun(ctx context.Context, runs *store.RunRepo) {
	for {
		run, err := runs.Latest(ctx)
		if errors.Is(err, store.ErrNotFound) {
			log.Print("no ID reader runs recorded")
			return
		}
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("status = %s: %s", run.Status, run.Message)
		if !store.Active(run.Status) {
			return
		}
		time.Sleep(2 * time.Second)
	}
}

func buildClassifier(cfg *config.Config) (classify.Classifier, error) {
	switch cfg.Classifier {
	case "onnx":
		return onnx.New(cfg.ModelPath, cfg.OnnxLibPath, cfg.OnnxInputName, cfg.OnnxOutputName)
	case "gemini":
		return gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel), nil
	default:
		return nil, fmt.Errorf("unknown classifier engine %q", cfg.Classifier)
	}
}

func parseBox(spec string) (rectangle.Box, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 4 {
		return rectangle.Box{}, fmt.Errorf("box %q: want left,top,right,bottom", spec)
	}
	vals := make([]float64, 4)
	for i, s := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return rectangle.Box{}, fmt.Errorf("box %q: %w", spec, err)
		}
		vals[i] = v
	}
	return rectangle.Box{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}, nil
}

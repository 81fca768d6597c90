package rectangle

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"gocv.io/x/gocv"
)

func referenceMarkers() Markers {
	return Markers{
		CornerNW: {X: 100, Y: 100},
		CornerNE: {X: 700, Y: 100},
		CornerSW: {X: 100, Y: 500},
		CornerSE: {X: 700, Y: 500},
	}
}

func whitePage(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 600, 800, gocv.MatTypeCV8UC3)
	if m.Empty() {
		t.Fatal("could not allocate test image")
	}
	return m
}

func TestNewExtractorNeedsThreeMarkers(t *testing.T) {
	_, err := NewExtractor(Markers{
		CornerSE: {X: 700, Y: 500},
		CornerSW: {X: 100, Y: 500},
	}, 800, 600)
	if err == nil {
		t.Fatal("two markers must not build a coordinate system")
	}
}

func TestNewExtractorRejectsCollinearMarkers(t *testing.T) {
	_, err := NewExtractor(Markers{
		CornerNW: {X: 100, Y: 500},
		CornerSW: {X: 400, Y: 500},
		CornerSE: {X: 700, Y: 500},
	}, 800, 600)
	if err == nil {
		t.Fatal("collinear markers must be rejected")
	}
}

// Cropping (0,0,1,1) relative to the markers' own bounding box must return
// the marker-bounded region itself.
func TestExtractRegionRoundTrip(t *testing.T) {
	ex, err := NewExtractor(referenceMarkers(), 800, 600)
	if err != nil {
		t.Fatal(err)
	}
	page := whitePage(t)
	defer page.Close()

	got, err := ex.ExtractRegion(page, referenceMarkers(), Box{Left: 0, Top: 0, Right: 1, Bottom: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer got.Close()

	const tol = 2 // pixels
	if math.Abs(float64(got.Cols()-600)) > tol || math.Abs(float64(got.Rows()-400)) > tol {
		t.Fatalf("crop is %dx%d, want about 600x400", got.Cols(), got.Rows())
	}
}

func TestExtractRegionTooFewMarkers(t *testing.T) {
	ex, err := NewExtractor(referenceMarkers(), 800, 600)
	if err != nil {
		t.Fatal(err)
	}
	page := whitePage(t)
	defer page.Close()

	// Only two markers detected on the scanned page.
	pg := Markers{
		CornerSE: {X: 700, Y: 500},
		CornerSW: {X: 100, Y: 500},
	}
	_, err = ex.ExtractRegion(page, pg, Box{Left: 0, Top: 0, Right: 1, Bottom: 1})
	if !errors.Is(err, ErrNoRegion) {
		t.Fatalf("want ErrNoRegion, got %v", err)
	}
}

func TestExtractRegionEmptyCrop(t *testing.T) {
	ex, err := NewExtractor(referenceMarkers(), 800, 600)
	if err != nil {
		t.Fatal(err)
	}
	page := whitePage(t)
	defer page.Close()

	// Entirely right of the page after clamping.
	_, err = ex.ExtractRegion(page, referenceMarkers(), Box{Left: 5, Top: 0, Right: 6, Bottom: 1})
	if !errors.Is(err, ErrNoRegion) {
		t.Fatalf("want ErrNoRegion, got %v", err)
	}
}

func TestFindLargestRectangle(t *testing.T) {
	ex, err := NewExtractor(referenceMarkers(), 800, 600)
	if err != nil {
		t.Fatal(err)
	}
	ref := whitePage(t)
	defer ref.Close()

	// A solid box drawn where an ID box would sit: pixels (250,200)-(550,300),
	// i.e. fractions (0.25,0.25)-(0.75,0.50) of the 600x400 marker region.
	gocv.Rectangle(&ref, image.Rect(250, 200, 550, 300), color.RGBA{}, 3)

	box, err := ex.FindLargestRectangle(ref, nil)
	if err != nil {
		t.Fatal(err)
	}
	const tol = 0.03
	want := Box{Left: 0.25, Top: 0.25, Right: 0.75, Bottom: 0.50}
	for _, d := range []float64{
		box.Left - want.Left, box.Top - want.Top,
		box.Right - want.Right, box.Bottom - want.Bottom,
	} {
		if math.Abs(d) > tol {
			t.Fatalf("found %s, want about %s", box, want)
		}
	}
}

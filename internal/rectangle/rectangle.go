// Package rectangle maps regions expressed relative to a page's reference
// markers onto pixel coordinates of an arbitrary scanned page, and crops them
// out. The marker bounding rectangle on the reference image defines the
// coordinate system; fractional boxes in [0,1] are measured against it.
package rectangle

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"gocv.io/x/gocv"
)

// Corner names for the fixed position markers, matching the stored JSON.
const (
	CornerNE = "NE"
	CornerSE = "SE"
	CornerNW = "NW"
	CornerSW = "SW"
)

// Point is one detected marker centre in pixel coordinates.
type Point struct {
	X float64 `json:"x_coord"`
	Y float64 `json:"y_coord"`
}

// Markers holds the detected marker centres of a page, keyed by corner.
// A scanned page normally carries three of the four corners.
type Markers map[string]Point

// Box is a rectangle in fractional coordinates relative to the marker
// bounding rectangle: (0,0) is the top-left marker extreme, (1,1) the
// bottom-right.
type Box struct {
	Left   float64 `json:"left_f"`
	Top    float64 `json:"top_f"`
	Right  float64 `json:"right_f"`
	Bottom float64 `json:"bottom_f"`
}

func (b Box) String() string {
	return fmt.Sprintf("[left=%.4f top=%.4f right=%.4f bottom=%.4f]", b.Left, b.Top, b.Right, b.Bottom)
}

// ErrNoRegion reports a per-page, recoverable geometric failure: markers
// missing or degenerate, or the requested crop empty after clamping. Pages
// hitting it are excluded from later stages and counted, not fatal.
var ErrNoRegion = errors.New("cannot determine region")

// Extractor holds the marker coordinate system of one reference image.
// Instances are particular to an assessment version/page.
type Extractor struct {
	left, top     float64
	right, bottom float64
	width, height float64

	fullWidth, fullHeight int
}

// NewExtractor builds the coordinate system from the reference image's marker
// positions. At least three non-collinear markers are required.
func NewExtractor(ref Markers, fullWidth, fullHeight int) (*Extractor, error) {
	if len(ref) < 3 {
		return nil, fmt.Errorf("reference image has %d markers, need at least 3", len(ref))
	}
	var xs, ys []float64
	for _, c := range []string{CornerNE, CornerSE, CornerNW, CornerSW} {
		if pt, ok := ref[c]; ok {
			xs = append(xs, pt.X)
			ys = append(ys, pt.Y)
		}
	}
	sort.Float64s(xs)
	sort.Float64s(ys)
	e := &Extractor{
		left:       xs[0],
		right:      xs[len(xs)-1],
		top:        ys[0],
		bottom:     ys[len(ys)-1],
		fullWidth:  fullWidth,
		fullHeight: fullHeight,
	}
	e.width = e.right - e.left
	e.height = e.bottom - e.top
	if e.width <= 0 || e.height <= 0 {
		return nil, fmt.Errorf("reference markers are collinear")
	}
	return e, nil
}

// affineTransform computes the transform taking the scanned page onto the
// reference coordinate system. The page must carry both southern markers
// plus one of the northern ones; anything less cannot fix a non-degenerate
// quadrilateral and yields ErrNoRegion.
func (e *Extractor) affineTransform(pg Markers) (gocv.Mat, error) {
	se, okSE := pg[CornerSE]
	sw, okSW := pg[CornerSW]
	if !okSE || !okSW {
		return gocv.Mat{}, fmt.Errorf("%w: markers SE/SW not both detected", ErrNoRegion)
	}

	var src, dst []gocv.Point2f
	if nw, ok := pg[CornerNW]; ok {
		src = []gocv.Point2f{
			{X: float32(nw.X), Y: float32(nw.Y)},
			{X: float32(sw.X), Y: float32(sw.Y)},
			{X: float32(se.X), Y: float32(se.Y)},
		}
		dst = []gocv.Point2f{
			{X: float32(e.left), Y: float32(e.top)},
			{X: float32(e.left), Y: float32(e.bottom)},
			{X: float32(e.right), Y: float32(e.bottom)},
		}
	} else if ne, ok := pg[CornerNE]; ok {
		src = []gocv.Point2f{
			{X: float32(ne.X), Y: float32(ne.Y)},
			{X: float32(sw.X), Y: float32(sw.Y)},
			{X: float32(se.X), Y: float32(se.Y)},
		}
		dst = []gocv.Point2f{
			{X: float32(e.right), Y: float32(e.top)},
			{X: float32(e.left), Y: float32(e.bottom)},
			{X: float32(e.right), Y: float32(e.bottom)},
		}
	} else {
		return gocv.Mat{}, fmt.Errorf("%w: no northern marker detected", ErrNoRegion)
	}

	srcVec := gocv.NewPoint2fVectorFromPoints(src)
	defer srcVec.Close()
	dstVec := gocv.NewPoint2fVectorFromPoints(dst)
	defer dstVec.Close()
	return gocv.GetAffineTransform2f(srcVec, dstVec), nil
}

// ExtractRegion rectifies the scanned page into the reference coordinate
// system and crops the fractional box. The returned Mat is owned by the
// caller. Out-of-range boxes are clamped to the image; an empty crop after
// clamping is ErrNoRegion.
func (e *Extractor) ExtractRegion(page gocv.Mat, pg Markers, box Box) (gocv.Mat, error) {
	m, err := e.affineTransform(pg)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer m.Close()

	righted := gocv.NewMat()
	defer righted.Close()
	gocv.WarpAffine(page, &righted, m, image.Pt(e.fullWidth, e.fullHeight))

	top := int(e.top + box.Top*e.height + 0.5)
	bottom := int(e.top + box.Bottom*e.height + 0.5)
	left := int(e.left + box.Left*e.width + 0.5)
	right := int(e.left + box.Right*e.width + 0.5)

	top = max(top, 0)
	left = max(left, 0)
	bottom = min(bottom, e.fullHeight)
	right = min(right, e.fullWidth)
	if right <= left || bottom <= top {
		return gocv.Mat{}, fmt.Errorf("%w: crop %s is empty after clamping", ErrNoRegion, box)
	}

	region := righted.Region(image.Rect(left, top, right, bottom))
	defer region.Close()
	return region.Clone(), nil
}

// FindLargestRectangle scans the reference image for the largest rectangular
// contour, optionally restricted to a fractional search region, and reports
// it in the marker-relative coordinate system. Diagnostic/preview path: the
// automated pipeline uses it only to propose a default box.
func (e *Extractor) FindLargestRectangle(ref gocv.Mat, region *Box) (*Box, error) {
	const pad = 16

	src := ref
	offX, offY := 0, 0
	if region != nil {
		left := max(int(region.Left*e.width+e.left)-pad, 0)
		right := min(int(region.Right*e.width+e.left)+pad, e.fullWidth)
		top := max(int(region.Top*e.height+e.top)-pad, 0)
		bottom := min(int(region.Bottom*e.height+e.top)+pad, e.fullHeight)
		if right <= left || bottom <= top {
			return nil, fmt.Errorf("%w: search region %s is empty", ErrNoRegion, *region)
		}
		sub := ref.Region(image.Rect(left, top, right, bottom))
		defer sub.Close()
		src = sub
		offX, offY = left, top
	}

	grey := gocv.NewMat()
	defer grey.Close()
	gocv.CvtColor(src, &grey, gocv.ColorBGRToGray)
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(grey, &blurred, image.Pt(3, 3), 0, 0, gocv.BorderDefault)
	edged := gocv.NewMat()
	defer edged.Close()
	gocv.Canny(blurred, &edged, 5, 255)

	contours := gocv.FindContours(edged, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	idx := make([]int, contours.Size())
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return gocv.ContourArea(contours.At(idx[a])) > gocv.ContourArea(contours.At(idx[b]))
	})

	for _, i := range idx {
		contour := contours.At(i)
		perimeter := gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, 0.02*perimeter, true)
		if approx.Size() != 4 {
			approx.Close()
			continue
		}
		r := gocv.BoundingRect(approx)
		approx.Close()
		left := r.Min.X + offX
		right := r.Max.X + offX
		top := r.Min.Y + offY
		bottom := r.Max.Y + offY
		if right-left < 16 || bottom-top < 16 {
			return nil, fmt.Errorf("%w: largest rectangular contour is too small", ErrNoRegion)
		}
		return &Box{
			Left:   (float64(left) - e.left) / e.width,
			Top:    (float64(top) - e.top) / e.height,
			Right:  (float64(right) - e.left) / e.width,
			Bottom: (float64(bottom) - e.top) / e.height,
		}, nil
	}
	return nil, fmt.Errorf("%w: no rectangular contour found", ErrNoRegion)
}

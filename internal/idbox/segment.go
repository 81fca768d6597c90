// Package idbox turns a cropped ID-box image into canonical per-digit
// bitmaps ready for classification.
//
// The crop offsets below are template-relative magic numbers: they must be
// updated if the ID-box template changes.
package idbox

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

const (
	// Canonical width the box is rescaled to before the strip offsets apply.
	templateBoxWidth = 1250

	// Digit-only strip within the rescaled box.
	stripTop    = 25
	stripBottom = 130
	stripLeft   = 355
	stripRight  = 1230

	sideCrop      = 5
	topBotCrop    = 4
	contourPad    = 4
	adaptiveBlock = 127 // aggressive, kills scanner dust
	adaptiveC     = 1

	// CanonicalSize is the square side of the per-digit bitmap (MNIST-sized).
	CanonicalSize = 28
)

// ErrNoDigits reports that digit isolation failed somewhere in the box. The
// whole matrix for the paper is then absent: fail closed, not partial.
var ErrNoDigits = errors.New("could not isolate digits in ID box")

// DigitStrip rescales the ID box to the canonical template width and crops
// the digit-only strip. The returned Mat is owned by the caller.
func DigitStrip(box gocv.Mat) (gocv.Mat, error) {
	h, w := box.Rows(), box.Cols()
	if h < 32 || w < 32 {
		return gocv.Mat{}, fmt.Errorf("%w: box %dx%d is too small", ErrNoDigits, w, h)
	}
	newHeight := templateBoxWidth * h / w
	if newHeight < stripBottom {
		return gocv.Mat{}, fmt.Errorf("%w: rescaled box height %d below digit strip", ErrNoDigits, newHeight)
	}
	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(box, &scaled, image.Pt(templateBoxWidth, newHeight), 0, 0, gocv.InterpolationCubic)

	strip := scaled.Region(image.Rect(stripLeft, stripTop, stripRight, stripBottom))
	defer strip.Close()
	return strip.Clone(), nil
}

// SegmentDigits splits the digit strip into numDigits equal-width cells and
// isolates the written digit in each as a CanonicalSize-square binary bitmap
// (white stroke on black). If any cell yields no contour the whole paper is
// unreadable and ErrNoDigits is returned.
//
// Callers own the returned Mats and must Close them.
func SegmentDigits(strip gocv.Mat, numDigits int) ([]gocv.Mat, error) {
	if numDigits <= 0 {
		return nil, fmt.Errorf("numDigits must be positive, got %d", numDigits)
	}
	height, width := strip.Rows(), strip.Cols()
	cellWidth := float64(width) / float64(numDigits)

	out := make([]gocv.Mat, 0, numDigits)
	closeAll := func() {
		for _, m := range out {
			m.Close()
		}
	}

	for i := 0; i < numDigits; i++ {
		left := int(float64(i)*cellWidth) + sideCrop
		right := int(float64(i+1)*cellWidth) - sideCrop
		if right <= left || height <= 2*topBotCrop {
			closeAll()
			return nil, fmt.Errorf("%w: digit cell %d is degenerate", ErrNoDigits, i)
		}
		bitmap, err := isolateDigit(strip, image.Rect(left, topBotCrop, right, height-topBotCrop))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out = append(out, bitmap)
	}
	return out, nil
}

// isolateDigit thresholds one cell, keeps the largest external contour as the
// digit stroke and normalizes it onto the canonical square.
func isolateDigit(strip gocv.Mat, cellRect image.Rectangle) (gocv.Mat, error) {
	cell := strip.Region(cellRect)
	defer cell.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(cell, &blurred, image.Pt(3, 3), 0, 0, gocv.BorderDefault)

	grey := gocv.NewMat()
	defer grey.Close()
	gocv.CvtColor(blurred, &grey, gocv.ColorBGRToGray)

	thresholded := gocv.NewMat()
	defer thresholded.Close()
	gocv.AdaptiveThreshold(grey, &thresholded, 255,
		gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, adaptiveBlock, adaptiveC)

	contours := gocv.FindContours(thresholded, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return gocv.Mat{}, ErrNoDigits
	}
	largest := 0
	largestArea := gocv.ContourArea(contours.At(0))
	for i := 1; i < contours.Size(); i++ {
		if a := gocv.ContourArea(contours.At(i)); a > largestArea {
			largest, largestArea = i, a
		}
	}
	bbox := gocv.BoundingRect(contours.At(largest))

	x0 := max(bbox.Min.X-contourPad, 0)
	x1 := min(bbox.Max.X+contourPad, thresholded.Cols())
	y0 := max(bbox.Min.Y-contourPad, 0)
	y1 := min(bbox.Max.Y+contourPad, thresholded.Rows())
	if x1 <= x0 || y1 <= y0 {
		return gocv.Mat{}, fmt.Errorf("%w: degenerate stroke crop", ErrNoDigits)
	}
	cropped := thresholded.Region(image.Rect(x0, y0, x1, y1))
	defer cropped.Close()

	// Resize so the longer side hits CanonicalSize, then pad the shorter
	// dimension symmetrically with background to reach the square.
	ch, cw := cropped.Rows(), cropped.Cols()
	aspect := float64(ch) / float64(cw)
	var h, w int
	if aspect > 1 {
		h, w = CanonicalSize, int(CanonicalSize/aspect)
	} else {
		h, w = int(CanonicalSize*aspect), CanonicalSize
	}
	if h < 1 {
		h = 1
	}
	if w < 1 {
		w = 1
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(cropped, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationArea)

	top := (CanonicalSize - h) / 2
	bottom := CanonicalSize - h - top
	left := (CanonicalSize - w) / 2
	right := CanonicalSize - w - left
	bordered := gocv.NewMat()
	gocv.CopyMakeBorder(resized, &bordered, top, bottom, left, right,
		gocv.BorderConstant, color.RGBA{})
	return bordered, nil
}

// ToVector flattens a canonical bitmap into row-major float32 values in
// [0,1], the layout both classifier engines consume.
func ToVector(bitmap gocv.Mat) ([]float32, error) {
	if bitmap.Rows() != CanonicalSize || bitmap.Cols() != CanonicalSize {
		return nil, fmt.Errorf("bitmap is %dx%d, want %dx%d",
			bitmap.Cols(), bitmap.Rows(), CanonicalSize, CanonicalSize)
	}
	raw := bitmap.ToBytes()
	vec := make([]float32, len(raw))
	for i, b := range raw {
		vec[i] = float32(b) / 255
	}
	return vec, nil
}

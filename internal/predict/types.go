package predict

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Kind tags which predictor produced a prediction row. Closed set; the store
// refuses to persist anything else.
type Kind string

const (
	KindGreedy  Kind = "greedy"
	KindLAP     Kind = "global-optimal"
	KindPrename Kind = "prename"
	KindHuman   Kind = "human"
)

func (k Kind) Valid() bool {
	switch k {
	case KindGreedy, KindLAP, KindPrename, KindHuman:
		return true
	}
	return false
}

// ProbMatrix holds one probability vector over digits 0..9 per ID position.
// Rows are positions, columns are digits. Values are non-negative; they are
// not required to sum to 1.
type ProbMatrix [][]float64

// Prediction pairs a paper with a candidate student ID. Certainty is the
// geometric mean of the per-position digit probabilities, unrounded; rounding
// to 2 decimals happens at the persistence boundary, not here.
type Prediction struct {
	Paper     int
	StudentID string
	Certainty float64
}

// probFloor keeps log-costs finite when the classifier reports an exact zero
// for some digit.
const probFloor = 1e-30

// ErrDegenerate reports an assignment problem with no papers or no candidate
// IDs. The caller must surface it, not resolve it to an empty result.
var ErrDegenerate = errors.New("assignment problem is degenerate")

func sortedPapers(probs map[int]ProbMatrix) []int {
	papers := make([]int, 0, len(probs))
	for pn := range probs {
		papers = append(papers, pn)
	}
	sort.Ints(papers)
	return papers
}

// Certainty returns the geometric mean of the per-position probabilities of
// sid's digits under m.
func Certainty(sid string, m ProbMatrix) (float64, error) {
	if len(sid) != len(m) {
		return 0, fmt.Errorf("student ID %q has %d digits, matrix has %d positions", sid, len(sid), len(m))
	}
	prod := 1.0
	for i := 0; i < len(sid); i++ {
		d := int(sid[i] - '0')
		if d < 0 || d > 9 {
			return 0, fmt.Errorf("student ID %q: position %d is not a digit", sid, i)
		}
		prod *= m[i][d]
	}
	return math.Pow(prod, 1.0/float64(len(sid))), nil
}

package predict

import (
	"fmt"
	"math"
)

// Assign matches papers to roster candidates one-to-one, minimizing the total
// negative log-likelihood over all pairs. Each paper receives at most one
// candidate and each candidate is used at most once; the matching is globally
// optimal, not per-paper greedy.
//
// Certainty on the returned predictions is the same geometric mean Greedy
// reports, so the two strategies stay comparable.
//
// Returns ErrDegenerate when papers or roster is empty.
func Assign(papers []int, roster []string, probs map[int]ProbMatrix) ([]Prediction, error) {
	if len(papers) == 0 || len(roster) == 0 {
		return nil, fmt.Errorf("%w: %d unidentified machine-read papers and %d unused candidate IDs",
			ErrDegenerate, len(papers), len(roster))
	}
	cost, err := costMatrix(papers, roster, probs)
	if err != nil {
		return nil, err
	}

	// The solver wants rows <= cols; transpose when papers outnumber
	// candidates and some papers go unmatched.
	var match []int // paper index -> roster index, -1 for unmatched
	if len(papers) <= len(roster) {
		match = solveLAP(cost)
	} else {
		t := make([][]float64, len(roster))
		for c := range t {
			t[c] = make([]float64, len(papers))
			for p := range cost {
				t[c][p] = cost[p][c]
			}
		}
		match = make([]int, len(papers))
		for i := range match {
			match[i] = -1
		}
		for c, p := range solveLAP(t) {
			if p >= 0 {
				match[p] = c
			}
		}
	}

	out := make([]Prediction, 0, len(papers))
	for i, pn := range papers {
		c := match[i]
		if c < 0 {
			continue
		}
		certainty, err := Certainty(roster[c], probs[pn])
		if err != nil {
			return nil, err
		}
		out = append(out, Prediction{Paper: pn, StudentID: roster[c], Certainty: certainty})
	}
	return out, nil
}

// costMatrix builds the papers x roster cost matrix of summed negative log
// probabilities. Probabilities are clamped at probFloor first so an exact
// zero never produces an infinite cost.
func costMatrix(papers []int, roster []string, probs map[int]ProbMatrix) ([][]float64, error) {
	cost := make([][]float64, len(papers))
	for i, pn := range papers {
		m, ok := probs[pn]
		if !ok {
			return nil, fmt.Errorf("no probability matrix for paper %d", pn)
		}
		row := make([]float64, len(roster))
		for j, sid := range roster {
			if len(sid) != len(m) {
				return nil, fmt.Errorf("student ID %q has %d digits, matrix for paper %d has %d positions",
					sid, len(sid), pn, len(m))
			}
			ll := 0.0
			for k := 0; k < len(sid); k++ {
				d := int(sid[k] - '0')
				if d < 0 || d > 9 {
					return nil, fmt.Errorf("student ID %q: position %d is not a digit", sid, k)
				}
				ll -= math.Log(math.Max(m[k][d], probFloor))
			}
			row[j] = ll
		}
		cost[i] = row
	}
	return cost, nil
}

// solveLAP solves the rectangular linear-sum-assignment problem by shortest
// augmenting paths with row/column potentials (Jonker-Volgenant family).
// Requires len(cost) <= len(cost[0]); every row ends up assigned. Returns
// the assigned column per row.
func solveLAP(cost [][]float64) []int {
	n := len(cost)
	m := len(cost[0])

	// 1-based internally; index 0 is the virtual unmatched slot.
	u := make([]float64, n+1)
	v := make([]float64, m+1)
	rowOf := make([]int, m+1) // rowOf[j]: row currently matched to column j
	way := make([]int, m+1)   // predecessor column on the augmenting path

	for i := 1; i <= n; i++ {
		rowOf[0] = i
		j0 := 0
		minv := make([]float64, m+1)
		used := make([]bool, m+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := rowOf[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[rowOf[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if rowOf[j0] == 0 {
				break
			}
		}
		// Augment along the found path.
		for j0 != 0 {
			j1 := way[j0]
			rowOf[j0] = rowOf[j1]
			j0 = j1
		}
	}

	res := make([]int, n)
	for i := range res {
		res[i] = -1
	}
	for j := 1; j <= m; j++ {
		if rowOf[j] > 0 {
			res[rowOf[j]-1] = j - 1
		}
	}
	return res
}

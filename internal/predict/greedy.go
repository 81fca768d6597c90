package predict

// Greedy scores every roster candidate against every paper independently and
// keeps the per-paper best geometric-mean score. Ties go to the first
// candidate in roster order, so output is deterministic for a fixed roster.
//
// Greedy deliberately does not enforce roster-wide uniqueness: two papers may
// pick the same candidate. Assign is the strategy that guarantees a
// one-to-one matching.
//
// Papers are visited in ascending paper-number order. An empty roster yields
// no predictions.
func Greedy(roster []string, probs map[int]ProbMatrix) ([]Prediction, error) {
	out := make([]Prediction, 0, len(probs))
	for _, pn := range sortedPapers(probs) {
		m := probs[pn]
		best := -1
		bestScore := -1.0
		for i, sid := range roster {
			s, err := Certainty(sid, m)
			if err != nil {
				return nil, err
			}
			if s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			continue
		}
		out = append(out, Prediction{Paper: pn, StudentID: roster[best], Certainty: bestScore})
	}
	return out, nil
}

package benchmark

import (
	"fmt"
	"sort"
)

// Metrics summarizes one evaluation at threshold 0.5.
type Metrics struct {
	NumSamples int     `json:"num_samples"`
	Precision  float64 `json:"precision"`
	Recall     float64 `json:"recall"`
	F1         float64 `json:"f1"`
	Accuracy   float64 `json:"accuracy"`
	AUCROC     float64 `json:"auc_roc"`
}

// Evaluate scores against {0, 1} labels. Labels equal to the missing
// marker (-1) are excluded before anything is computed. Scores at or above
// 0.5 predict positive. AUC is the exact rank statistic with average ranks
// for tied scores; a slice with only one class present yields 0.5.
func Evaluate(scores []float64, labels []int) (Metrics, error) {
	if len(scores) != len(labels) {
		return Metrics{}, fmt.Errorf("evaluate: %d scores but %d labels", len(scores), len(labels))
	}

	s := make([]float64, 0, len(scores))
	y := make([]int, 0, len(labels))
	for i, label := range labels {
		switch label {
		case 0, 1:
			s = append(s, scores[i])
			y = append(y, label)
		case -1:
		default:
			return Metrics{}, fmt.Errorf("evaluate: label %d at index %d, want -1, 0, or 1", label, i)
		}
	}
	if len(y) == 0 {
		return Metrics{AUCROC: 0.5}, nil
	}

	var tp, fp, tn, fn int
	for i, score := range s {
		pred := 0
		if score >= 0.5 {
			pred = 1
		}
		switch {
		case pred == 1 && y[i] == 1:
			tp++
		case pred == 1 && y[i] == 0:
			fp++
		case pred == 0 && y[i] == 0:
			tn++
		default:
			fn++
		}
	}

	m := Metrics{
		NumSamples: len(y),
		Accuracy:   float64(tp+tn) / float64(len(y)),
		AUCROC:     rankAUC(s, y),
	}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m, nil
}

// rankAUC is the Mann-Whitney U statistic normalized to [0, 1], with
// average ranks for ties.
func rankAUC(scores []float64, labels []int) float64 {
	nPos, nNeg := 0, 0
	for _, y := range labels {
		if y == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	posRankSum := 0.0
	for i := 0; i < len(order); {
		j := i
		for j < len(order) && scores[order[j]] == scores[order[i]] {
			j++
		}
		// 1-based ranks i+1..j share the average.
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if labels[order[k]] == 1 {
				posRankSum += avgRank
			}
		}
		i = j
	}

	u := posRankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg))
}

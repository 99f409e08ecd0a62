package strategy

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"sleepstager/internal/annotation"
)

// All keeps every column.
type All struct{}

// NewAll builds the pass-through selector.
func NewAll(Params) (Selector, error) { return All{}, nil }

func (All) Name() string { return "all" }

func (All) Fit(x Matrix, _ []annotation.Stage) (Selection, error) {
	cols := make([]int, x.Cols)
	for j := range cols {
		cols[j] = j
	}
	return Selection{Columns: cols}, nil
}

// Variance drops columns whose variance over the training rows does not
// exceed MinVariance.
type Variance struct {
	MinVariance float64
}

// NewVariance builds the variance-threshold selector.
func NewVariance(p Params) (Selector, error) {
	if p.MinVariance < 0 {
		return nil, fmt.Errorf("variance: threshold must not be negative, got %v", p.MinVariance)
	}
	return Variance{MinVariance: p.MinVariance}, nil
}

func (Variance) Name() string { return "variance" }

func (v Variance) Fit(x Matrix, _ []annotation.Stage) (Selection, error) {
	var cols []int
	for j := 0; j < x.Cols; j++ {
		col := x.Column(j)
		if len(col) > 0 && stat.PopVariance(col, nil) > v.MinVariance {
			cols = append(cols, j)
		}
	}
	if len(cols) == 0 {
		return Selection{}, fmt.Errorf("variance: no column of %d exceeds variance %v", x.Cols, v.MinVariance)
	}
	return Selection{Columns: cols}, nil
}

package strategy

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"sleepstager/internal/annotation"
)

// KNN is a k-nearest-neighbours classifier over z-scored features with
// Euclidean distance.
type KNN struct {
	K int
}

// NewKNN builds the k-nearest-neighbours classifier.
func NewKNN(p Params) (Classifier, error) {
	if p.Neighbors < 1 {
		return nil, fmt.Errorf("knn: neighbours must be >= 1, got %d", p.Neighbors)
	}
	return KNN{K: p.Neighbors}, nil
}

func (KNN) Name() string { return "knn" }

// Fit stores the standardized training rows.
func (c KNN) Fit(x Matrix, y []annotation.Stage) (Model, error) {
	if x.Rows == 0 || x.Cols == 0 {
		return nil, fmt.Errorf("knn: no training rows")
	}
	if len(y) != x.Rows {
		return nil, fmt.Errorf("knn: %d rows but %d labels", x.Rows, len(y))
	}
	dense := x.Dense()
	if dense == nil {
		return nil, fmt.Errorf("knn: %d values for a %dx%d matrix", len(x.Data), x.Rows, x.Cols)
	}
	m := &knnModel{k: c.K, mean: make([]float64, x.Cols), scale: make([]float64, x.Cols)}
	col := make([]float64, x.Rows)
	for j := 0; j < x.Cols; j++ {
		mat.Col(col, j, dense)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		m.mean[j], m.scale[j] = mean, std
	}
	m.train = m.standardize(x)
	m.labels = append([]annotation.Stage(nil), y...)
	if m.k > x.Rows {
		m.k = x.Rows
	}
	return m, nil
}

type knnModel struct {
	k      int
	mean   []float64
	scale  []float64
	train  Matrix
	labels []annotation.Stage
}

func (m *knnModel) standardize(x Matrix) Matrix {
	out := NewMatrix(x.Rows, x.Names)
	for i := 0; i < x.Rows; i++ {
		dst := out.Row(i)
		floats.SubTo(dst, x.Row(i), m.mean)
		floats.Div(dst, m.scale)
	}
	return out
}

type neighbour struct {
	dist  float64
	index int
}

// Predict labels each row by majority vote of its k nearest training rows.
// Distance ties break on training row order; vote ties go to the tied
// stage with the nearest member.
func (m *knnModel) Predict(x Matrix) ([]annotation.Stage, error) {
	if x.Cols != m.train.Cols {
		return nil, fmt.Errorf("knn: model has %d features, input has %d", m.train.Cols, x.Cols)
	}
	z := m.standardize(x)
	out := make([]annotation.Stage, z.Rows)
	nb := make([]neighbour, m.train.Rows)
	for i := 0; i < z.Rows; i++ {
		row := z.Row(i)
		for t := 0; t < m.train.Rows; t++ {
			nb[t] = neighbour{dist: distance(row, m.train.Row(t)), index: t}
		}
		sort.SliceStable(nb, func(a, b int) bool { return nb[a].dist < nb[b].dist })
		out[i] = m.vote(nb[:m.k])
	}
	return out, nil
}

func (m *knnModel) vote(nearest []neighbour) annotation.Stage {
	counts := map[annotation.Stage]int{}
	best := 0
	for _, n := range nearest {
		counts[m.labels[n.index]]++
		if c := counts[m.labels[n.index]]; c > best {
			best = c
		}
	}
	for _, n := range nearest {
		if counts[m.labels[n.index]] == best {
			return m.labels[n.index]
		}
	}
	return annotation.Unknown
}

// distance is the Euclidean distance; NaN sorts last.
func distance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

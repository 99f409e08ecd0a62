package strategy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sleepstager/internal/annotation"
)

// Centroid assigns each row to the stage whose mean training row is
// nearest after z-scoring.
type Centroid struct{}

// NewCentroid builds the nearest-centroid classifier.
func NewCentroid(Params) (Classifier, error) { return Centroid{}, nil }

func (Centroid) Name() string { return "centroid" }

func (Centroid) Fit(x Matrix, y []annotation.Stage) (Model, error) {
	if len(y) != x.Rows {
		return nil, fmt.Errorf("centroid: %d rows but %d labels", x.Rows, len(y))
	}
	// The z-scoring is the same as knn's.
	base, err := KNN{K: 1}.Fit(x, y)
	if err != nil {
		return nil, fmt.Errorf("centroid: %w", err)
	}
	km := base.(*knnModel)

	m := &centroidModel{scaler: km}
	rows := map[annotation.Stage][]int{}
	for i, s := range y {
		if _, ok := rows[s]; !ok {
			m.stages = append(m.stages, s)
		}
		rows[s] = append(rows[s], i)
	}
	col := make([]float64, 0, x.Rows)
	for _, s := range m.stages {
		c := make([]float64, x.Cols)
		for j := range c {
			col = col[:0]
			for _, i := range rows[s] {
				col = append(col, km.train.At(i, j))
			}
			c[j] = stat.Mean(col, nil)
		}
		m.centroids = append(m.centroids, c)
	}
	return m, nil
}

type centroidModel struct {
	scaler *knnModel
	// stages and centroids are parallel, in order of first appearance.
	stages    []annotation.Stage
	centroids [][]float64
}

func (m *centroidModel) Predict(x Matrix) ([]annotation.Stage, error) {
	if x.Cols != m.scaler.train.Cols {
		return nil, fmt.Errorf("centroid: model has %d features, input has %d", m.scaler.train.Cols, x.Cols)
	}
	z := m.scaler.standardize(x)
	out := make([]annotation.Stage, z.Rows)
	for i := range out {
		best := math.Inf(1)
		out[i] = annotation.Unknown
		for k, c := range m.centroids {
			if d := floats.Distance(z.Row(i), c, 2); d < best {
				best, out[i] = d, m.stages[k]
			}
		}
	}
	return out, nil
}

// Package strategy defines the stage capabilities of the pipeline and the
// concrete strategies registered for them.
//
// A strategy is selected by name; the pipeline's iteration registry maps an
// iteration to one name per stage.
package strategy

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"sleepstager/internal/annotation"
	"sleepstager/internal/epoch"
)

// Dataset is the flattened epochs of one or more recordings. Labels and
// Records are parallel to Epochs.
type Dataset struct {
	Epochs  []epoch.Epoch
	Labels  []annotation.Stage
	Records []string
}

// Len returns the number of epochs.
func (d *Dataset) Len() int { return len(d.Epochs) }

// Validate checks that the parallel slices agree.
func (d *Dataset) Validate() error {
	if len(d.Labels) != len(d.Epochs) || len(d.Records) != len(d.Epochs) {
		return fmt.Errorf("dataset has %d epochs, %d labels, %d record ids",
			len(d.Epochs), len(d.Labels), len(d.Records))
	}
	return nil
}

// Matrix is a dense row-major feature matrix: one row per epoch. It is the
// cached form of a feature stage; Dense gives the gonum view for numerics.
type Matrix struct {
	Rows  int
	Cols  int
	Data  []float64
	Names []string
}

// NewMatrix allocates a zero rows x cols matrix with the given column names.
func NewMatrix(rows int, names []string) Matrix {
	return Matrix{Rows: rows, Cols: len(names), Data: make([]float64, rows*len(names)), Names: names}
}

// Row returns row i, aliasing the matrix.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols : (i+1)*m.Cols]
}

// Dense returns a *mat.Dense sharing m's data, or nil for an empty or
// inconsistent matrix.
func (m *Matrix) Dense() *mat.Dense {
	if m.Rows == 0 || m.Cols == 0 || len(m.Data) != m.Rows*m.Cols {
		return nil
	}
	return mat.NewDense(m.Rows, m.Cols, m.Data)
}

// Column returns a copy of column j.
func (m *Matrix) Column(j int) []float64 {
	d := m.Dense()
	if d == nil {
		return nil
	}
	return mat.Col(nil, j, d)
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

// SubsetRows returns a copy holding only the given rows, in order.
func (m *Matrix) SubsetRows(rows []int) Matrix {
	out := NewMatrix(len(rows), m.Names)
	for k, i := range rows {
		copy(out.Row(k), m.Row(i))
	}
	return out
}

// Selection is the fitted output of a Selector: the kept column indexes in
// ascending order.
type Selection struct {
	Columns []int
}

// Apply returns a copy of m restricted to the selected columns.
func (s Selection) Apply(m Matrix) (Matrix, error) {
	names := make([]string, len(s.Columns))
	for k, j := range s.Columns {
		if j < 0 || j >= m.Cols {
			return Matrix{}, fmt.Errorf("selected column %d outside %d columns", j, m.Cols)
		}
		names[k] = m.Names[j]
	}
	out := NewMatrix(m.Rows, names)
	for i := 0; i < m.Rows; i++ {
		row, dst := m.Row(i), out.Row(i)
		for k, j := range s.Columns {
			dst[k] = row[j]
		}
	}
	return out, nil
}

// Preprocessor transforms epoch samples without changing their layout.
type Preprocessor interface {
	Name() string
	Preprocess(ds Dataset) (Dataset, error)
}

// FeatureExtractor maps each epoch to one feature row.
type FeatureExtractor interface {
	Name() string
	Extract(ds Dataset) (Matrix, error)
}

// Selector chooses feature columns from the training matrix.
type Selector interface {
	Name() string
	Fit(x Matrix, y []annotation.Stage) (Selection, error)
}

// Classifier fits a Model from labelled feature rows.
type Classifier interface {
	Name() string
	Fit(x Matrix, y []annotation.Stage) (Model, error)
}

// Model predicts one stage per feature row.
type Model interface {
	Predict(x Matrix) ([]annotation.Stage, error)
}

// Params carries the tunables strategies are built from.
type Params struct {
	CutoffHz    float64
	FilterOrder int
	Neighbors   int
	MinVariance float64
}

// DefaultParams mirrors the default configuration.
func DefaultParams() Params {
	return Params{CutoffHz: 40, FilterOrder: 4, Neighbors: 5, MinVariance: 1e-9}
}

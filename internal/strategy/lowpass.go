package strategy

import (
	"fmt"
	"math"

	"sleepstager/internal/epoch"
)

// nyquistGuard keeps the cutoff strictly below Nyquist for slow groups.
const nyquistGuard = 0.45

// biquad is one second-order section in direct form I, coefficients
// normalized by a0. A first-order section has b2 = a2 = 0.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

// butterworth returns the cascaded sections of an order-n low-pass
// Butterworth filter with cutoff fc at sample rate fs.
func butterworth(n int, fc, fs float64) []biquad {
	w0 := 2 * math.Pi * fc / fs
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	var out []biquad
	for k := 0; k < n/2; k++ {
		q := 1 / (2 * math.Sin(float64(2*k+1)*math.Pi/float64(2*n)))
		alpha := sinw / (2 * q)
		a0 := 1 + alpha
		out = append(out, biquad{
			b0: (1 - cosw) / 2 / a0,
			b1: (1 - cosw) / a0,
			b2: (1 - cosw) / 2 / a0,
			a1: -2 * cosw / a0,
			a2: (1 - alpha) / a0,
		})
	}
	if n%2 == 1 {
		k := math.Tan(w0 / 2)
		out = append(out, biquad{
			b0: k / (1 + k),
			b1: k / (1 + k),
			a1: (k - 1) / (k + 1),
		})
	}
	return out
}

func (s biquad) apply(x []float64) []float64 {
	y := make([]float64, len(x))
	var x1, x2, y1, y2 float64
	for i, v := range x {
		out := s.b0*v + s.b1*x1 + s.b2*x2 - s.a1*y1 - s.a2*y2
		x2, x1 = x1, v
		y2, y1 = y1, out
		y[i] = out
	}
	return y
}

// Lowpass applies a causal Butterworth low-pass filter to every channel of
// every epoch, at each group's own rate. Filter state starts at zero for
// each epoch.
type Lowpass struct {
	CutoffHz float64
	Order    int
}

// NewLowpass builds the lowpass preprocessor from p.
func NewLowpass(p Params) (Preprocessor, error) {
	if !(p.CutoffHz > 0) || p.FilterOrder < 1 {
		return nil, fmt.Errorf("lowpass: cutoff %v Hz and order %d must be positive", p.CutoffHz, p.FilterOrder)
	}
	return &Lowpass{CutoffHz: p.CutoffHz, Order: p.FilterOrder}, nil
}

func (l *Lowpass) Name() string { return "lowpass" }

// Cutoff returns the effective cutoff at rate fs.
func (l *Lowpass) Cutoff(fs float64) float64 {
	return math.Min(l.CutoffHz, nyquistGuard*fs)
}

func (l *Lowpass) Preprocess(ds Dataset) (Dataset, error) {
	if err := ds.Validate(); err != nil {
		return Dataset{}, err
	}
	filters := map[float64][]biquad{}
	out := Dataset{
		Epochs:  make([]epoch.Epoch, len(ds.Epochs)),
		Labels:  append(ds.Labels[:0:0], ds.Labels...),
		Records: append(ds.Records[:0:0], ds.Records...),
	}
	for i, ep := range ds.Epochs {
		fe := epoch.Epoch{Index: ep.Index, Start: ep.Start, Groups: make([]epoch.GroupSlice, len(ep.Groups))}
		for g, gs := range ep.Groups {
			if !(gs.Rate > 0) {
				return Dataset{}, fmt.Errorf("lowpass: group %s has rate %v", gs.Name, gs.Rate)
			}
			sections, ok := filters[gs.Rate]
			if !ok {
				sections = butterworth(l.Order, l.Cutoff(gs.Rate), gs.Rate)
				filters[gs.Rate] = sections
			}
			chans := make([][]float64, len(gs.Channels))
			for c, x := range gs.Channels {
				y := x
				for _, s := range sections {
					y = s.apply(y)
				}
				if len(sections) == 0 {
					y = append([]float64(nil), x...)
				}
				chans[c] = y
			}
			fe.Groups[g] = epoch.GroupSlice{Name: gs.Name, Rate: gs.Rate, Channels: chans}
		}
		out.Epochs[i] = fe
	}
	return out, nil
}

// Identity passes epochs through unchanged.
type Identity struct{}

// NewIdentity builds the identity preprocessor.
func NewIdentity(Params) (Preprocessor, error) { return Identity{}, nil }

func (Identity) Name() string { return "identity" }

func (Identity) Preprocess(ds Dataset) (Dataset, error) {
	if err := ds.Validate(); err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

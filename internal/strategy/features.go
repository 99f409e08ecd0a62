package strategy

import (
	"fmt"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// layout returns "<group>/<channel>" prefixes for the first epoch and checks
// that every epoch has the same group and channel layout.
func layout(ds Dataset) ([]string, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, nil
	}
	var prefixes []string
	first := ds.Epochs[0]
	for _, g := range first.Groups {
		for c := range g.Channels {
			prefixes = append(prefixes, fmt.Sprintf("%s/%d", g.Name, c))
		}
	}
	for i, ep := range ds.Epochs[1:] {
		if len(ep.Groups) != len(first.Groups) {
			return nil, fmt.Errorf("record %s epoch %d has %d groups, record %s epoch %d has %d",
				ds.Records[i+1], ep.Index, len(ep.Groups), ds.Records[0], first.Index, len(first.Groups))
		}
		for g := range ep.Groups {
			if ep.Groups[g].Name != first.Groups[g].Name || len(ep.Groups[g].Channels) != len(first.Groups[g].Channels) {
				return nil, fmt.Errorf("record %s epoch %d group %s layout differs from record %s",
					ds.Records[i+1], ep.Index, ep.Groups[g].Name, ds.Records[0])
			}
		}
	}
	return prefixes, nil
}

// extractRows builds one row per epoch by concatenating f over every channel
// of every group. f must return len(suffixes) values.
func extractRows(ds Dataset, suffixes []string, f func(x []float64, fs float64) []float64) (Matrix, error) {
	prefixes, err := layout(ds)
	if err != nil {
		return Matrix{}, err
	}
	names := make([]string, 0, len(prefixes)*len(suffixes))
	for _, p := range prefixes {
		for _, s := range suffixes {
			names = append(names, p+"/"+s)
		}
	}
	m := NewMatrix(ds.Len(), names)
	for i, ep := range ds.Epochs {
		row := m.Row(i)[:0]
		for _, g := range ep.Groups {
			for _, x := range g.Channels {
				row = append(row, f(x, g.Rate)...)
			}
		}
	}
	return m, nil
}

// TimeDomain extracts mean, median and standard deviation per channel.
type TimeDomain struct{}

// NewTimeDomain builds the time-domain extractor.
func NewTimeDomain(Params) (FeatureExtractor, error) { return TimeDomain{}, nil }

func (TimeDomain) Name() string { return "timedomain" }

func (TimeDomain) Extract(ds Dataset) (Matrix, error) {
	return extractRows(ds, []string{"mean", "median", "std"}, func(x []float64, _ float64) []float64 {
		mean, std := meanStd(x)
		return []float64{mean, median(x), std}
	})
}

// meanStd returns the mean and population standard deviation.
func meanStd(x []float64) (mean, std float64) {
	if len(x) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(x, nil)
}

// median is the midpoint of the two middle order statistics for an even
// count, as numpy computes it; stat.Quantile only returns order statistics.
func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	lo := stat.Quantile(0.5, stat.Empirical, s, nil)
	if n%2 == 1 {
		return lo
	}
	return (lo + s[n/2]) / 2
}

// Band is a named frequency band [Low, High) in Hz.
type Band struct {
	Name      string
	Low, High float64
}

// SleepBands are the classical EEG bands used for staging.
var SleepBands = []Band{
	{"delta", 0.5, 4},
	{"theta", 4, 8},
	{"alpha", 8, 12},
	{"sigma", 12, 15},
	{"beta", 15, 30},
}

// BandPower extracts relative band power per channel: the power in each
// band divided by the power across all bands. Bands above Nyquist are zero.
type BandPower struct {
	Bands []Band
}

// NewBandPower builds the band-power extractor over SleepBands.
func NewBandPower(Params) (FeatureExtractor, error) { return BandPower{Bands: SleepBands}, nil }

func (BandPower) Name() string { return "bandpower" }

func (b BandPower) Extract(ds Dataset) (Matrix, error) {
	suffixes := make([]string, len(b.Bands))
	for i, band := range b.Bands {
		suffixes[i] = band.Name
	}
	return extractRows(ds, suffixes, func(x []float64, fs float64) []float64 {
		return relativePower(x, fs, b.Bands)
	})
}

func relativePower(x []float64, fs float64, bands []Band) []float64 {
	out := make([]float64, len(bands))
	if len(x) == 0 {
		return out
	}
	psd, df := powerSpectrum(x, fs)
	var total float64
	for i, band := range bands {
		for k, p := range psd {
			f := float64(k) * df
			if f >= band.Low && f < band.High {
				out[i] += p
			}
		}
		total += out[i]
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

// powerSpectrum returns |X(k)|^2 for k in [0, n/2] of the mean-removed
// signal zero-padded to a power of two, plus the bin width in Hz.
func powerSpectrum(x []float64, fs float64) ([]float64, float64) {
	n := 1
	for n < len(x) {
		n <<= 1
	}
	if n < 2 {
		n = 2
	}
	mean := stat.Mean(x, nil)
	seq := make([]float64, n)
	for i, v := range x {
		seq[i] = v - mean
	}
	coeff := fourier.NewFFT(n).Coefficients(nil, seq)
	psd := make([]float64, len(coeff))
	for k, c := range coeff {
		a := cmplx.Abs(c)
		psd[k] = a * a
	}
	return psd, fs / float64(n)
}

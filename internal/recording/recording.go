// Package recording turns a (signal file, annotation file) pair into an
// immutable Recording: a multi-rate channel store, its epochs, and one
// stage label per epoch.
package recording

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"sleepstager/internal/annotation"
	"sleepstager/internal/config"
	"sleepstager/internal/edf"
	"sleepstager/internal/epoch"
	"sleepstager/internal/failure"
	"sleepstager/internal/metrics"
	"sleepstager/internal/signal"
)

// Source names the files of one recording.
type Source struct {
	ID             string
	SignalPath     string
	AnnotationPath string
}

// Options controls loading.
type Options struct {
	EpochDuration float64
	Groups        []config.GroupConfig
	// RequireLabels makes a missing or stage-free annotation fatal.
	RequireLabels bool
	Workers       int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// OptionsFrom derives loading options from the pipeline configuration.
func OptionsFrom(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) Options {
	return Options{
		EpochDuration: cfg.EpochDuration,
		Groups:        cfg.Groups,
		RequireLabels: cfg.Mode == config.ModeTrain,
		Workers:       cfg.Workers,
		Logger:        logger,
		Metrics:       m,
	}
}

// Recording is immutable once loaded.
type Recording struct {
	ID     string
	Store  *signal.Store
	Epochs []epoch.Epoch
	// Labels has one entry per epoch; Unknown where no stage event covers it.
	Labels []annotation.Stage
	Marks  []annotation.Mark
	// Layout lists "<group>/<channel>" in configured order, using the
	// configured channel spelling.
	Layout []string
	// Digest is the sha256 of the signal and annotation file contents.
	Digest string
}

// Labeled reports how many epochs carry a canonical stage.
func (r *Recording) Labeled() int {
	return len(epoch.Labeled(r.Labels))
}

// Load reads and segments one recording. Every returned error is a
// *failure.Error carrying the record id.
func Load(ctx context.Context, src Source, opts Options) (*Recording, error) {
	rec, err := load(ctx, src, opts)
	if err != nil {
		return nil, failure.WithRecord(err, src.ID)
	}
	return rec, nil
}

func load(ctx context.Context, src Source, opts Options) (*Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("record", src.ID)
	d := opts.EpochDuration
	if d == 0 {
		d = epoch.DefaultDuration
	}

	file, err := edf.ReadFile(src.SignalPath)
	if err != nil {
		return nil, err
	}
	inputs, layout, err := groupInputs(file, opts.Groups)
	if err != nil {
		return nil, err
	}
	digest, err := contentDigest(src)
	if err != nil {
		return nil, err
	}
	store, err := signal.Build(inputs, logger)
	if err != nil {
		return nil, err
	}
	epochs, err := epoch.Segment(store, d)
	if err != nil {
		return nil, failure.Wrap(failure.ErrMalformedInput, err, "segmenting")
	}

	marks, err := readMarks(src, d, opts.RequireLabels, logger)
	if err != nil {
		return nil, err
	}
	labels := epoch.Align(marks, len(epochs))
	rec := &Recording{
		ID:     src.ID,
		Store:  store,
		Epochs: epochs,
		Labels: labels,
		Marks:  marks,
		Layout: layout,
		Digest: digest,
	}
	if opts.RequireLabels && rec.Labeled() == 0 {
		return nil, failure.New(failure.ErrNoAnnotationsFound, "no epoch is covered by a stage event")
	}

	logger.Info("recording loaded",
		"duration_s", store.Duration(),
		"epochs", len(epochs),
		"labeled", rec.Labeled(),
		"groups", len(store.Groups()))
	return rec, nil
}

func readMarks(src Source, d float64, required bool, logger *slog.Logger) ([]annotation.Mark, error) {
	if src.AnnotationPath == "" {
		if required {
			return nil, failure.New(failure.ErrNoAnnotationsFound, "no annotation file")
		}
		return nil, nil
	}
	events, err := annotation.LoadFile(src.AnnotationPath)
	if err != nil {
		return nil, err
	}
	marks, err := annotation.Normalize(events, d)
	if errors.Is(err, failure.ErrNoAnnotationsFound) && !required {
		logger.Warn("annotation file has no stage events; labels left unknown", "path", src.AnnotationPath)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return marks, nil
}

// groupInputs assigns EDF signals to the configured groups. Within a group,
// channels follow the order of the configured channel list, not the file
// order, so feature columns line up across recordings. Annotation signals
// are skipped. Every configured group must match at least one signal.
func groupInputs(file *edf.File, groups []config.GroupConfig) ([]signal.GroupInput, []string, error) {
	if len(groups) == 0 {
		return nil, nil, failure.New(failure.ErrMalformedInput, "no channel groups configured")
	}
	out := make([]signal.GroupInput, 0, len(groups))
	var layout []string
	used := make([]bool, len(file.Signals))
	for _, g := range groups {
		in := signal.GroupInput{Name: signal.GroupName(g.Name), Rate: g.Rate}
		for _, want := range g.Channels {
			for i := range file.Signals {
				s := &file.Signals[i]
				if used[i] || s.IsAnnotation() || !matches(s.Label, []string{want}) {
					continue
				}
				used[i] = true
				in.Channels = append(in.Channels, signal.ChannelInput{
					Label:   strings.TrimSpace(s.Label),
					Samples: s.Samples,
					Rate:    file.Rate(i),
				})
				layout = append(layout, g.Name+"/"+strings.TrimSpace(want))
			}
		}
		if len(in.Channels) == 0 {
			return nil, nil, failure.New(failure.ErrMalformedInput,
				"channel group %q: none of %v present", g.Name, g.Channels)
		}
		out = append(out, in)
	}
	return out, layout, nil
}

// contentDigest hashes the signal file and, when present, the annotation
// file. Each part is length-prefixed.
func contentDigest(src Source) (string, error) {
	h := sha256.New()
	for _, path := range []string{src.SignalPath, src.AnnotationPath} {
		if path == "" {
			binary.Write(h, binary.BigEndian, int64(-1))
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return "", failure.Wrap(failure.ErrMalformedInput, err, "hashing %s", filepath.Base(path))
		}
		fi, err := f.Stat()
		if err == nil {
			binary.Write(h, binary.BigEndian, fi.Size())
			_, err = io.Copy(h, f)
		}
		f.Close()
		if err != nil {
			return "", failure.Wrap(failure.ErrMalformedInput, err, "hashing %s", filepath.Base(path))
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func matches(label string, patterns []string) bool {
	label = strings.TrimSpace(label)
	for _, p := range patterns {
		if strings.EqualFold(label, strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}

// LoadAll loads sources with at most opts.Workers loads in flight. A failure
// local to one recording becomes a failure.Record and does not stop the
// batch; loaded recordings keep the input order. Only context cancellation
// is returned as an error.
func LoadAll(ctx context.Context, sources []Source, opts Options) ([]*Recording, []failure.Record, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]*Recording, len(sources))
	errs := make([]error, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, src := range sources {
		g.Go(func() error {
			rec, err := Load(gctx, src, opts)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				errs[i] = err
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var loaded []*Recording
	var failures []failure.Record
	for i := range sources {
		if errs[i] != nil {
			rec := failure.Classify(errs[i])
			logger.Error("recording failed", "record", sources[i].ID, "code", rec.Code, "error", errs[i])
			opts.Metrics.Recording(metrics.OutcomeFailed, 0)
			failures = append(failures, rec)
			continue
		}
		opts.Metrics.Recording(metrics.OutcomeLoaded, len(results[i].Epochs))
		loaded = append(loaded, results[i])
	}
	return loaded, failures, nil
}

// Discover pairs every <base>.edf in dir with <base>.xml or <base>-nsrr.xml.
// Signal files without an annotation get an empty AnnotationPath. Sources
// are returned sorted by id.
func Discover(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover recordings: %w", err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}
	var out []Source
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".edf") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		src := Source{ID: base, SignalPath: filepath.Join(dir, e.Name())}
		for _, cand := range []string{base + ".xml", base + "-nsrr.xml", base + ".XML"} {
			if names[cand] {
				src.AnnotationPath = filepath.Join(dir, cand)
				break
			}
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

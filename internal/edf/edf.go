// Package edf reads and writes European Data Format (EDF and EDF+) signal files.
//
// Only the parts the pipeline needs are modelled: the fixed header, the
// per-signal header, and the 16-bit data records converted to physical units.
// EDF+ annotation signals are recognised and skipped by ReadFile callers via
// Signal.IsAnnotation.
package edf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"sleepstager/internal/failure"
)

const (
	fixedHeaderLen  = 256
	signalHeaderLen = 256
	annotationLabel = "EDF Annotations"
)

// Header is the fixed part of an EDF header.
type Header struct {
	Patient   string
	Recording string
	StartDate string // dd.mm.yy
	StartTime string // hh.mm.ss
	// Reserved holds "EDF+C" / "EDF+D" for EDF+ files.
	Reserved string
	Records  int
	// RecordDuration is the duration of one data record in seconds.
	RecordDuration float64
}

// Signal is one channel with its samples in physical units.
type Signal struct {
	Label             string
	Transducer        string
	PhysicalDimension string
	PhysicalMin       float64
	PhysicalMax       float64
	DigitalMin        int
	DigitalMax        int
	Prefiltering      string
	SamplesPerRecord  int
	Samples           []float64
}

// IsAnnotation reports whether the signal is an EDF+ annotation channel.
func (s *Signal) IsAnnotation() bool {
	return strings.TrimSpace(s.Label) == annotationLabel
}

// File is a decoded EDF file.
type File struct {
	Header
	Signals []Signal
}

// Rate returns the sample rate of signal i in Hz.
func (f *File) Rate(i int) float64 {
	if f.RecordDuration <= 0 {
		return 0
	}
	return float64(f.Signals[i].SamplesPerRecord) / f.RecordDuration
}

// Duration returns the total recording duration in seconds.
func (f *File) Duration() float64 {
	return float64(f.Records) * f.RecordDuration
}

// ReadFile decodes the EDF file at path.
func ReadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, failure.Wrap(failure.ErrMalformedInput, err, "opening EDF")
	}
	defer fh.Close()
	return Read(fh)
}

// Read decodes an EDF stream. Any structural problem is reported as
// failure.ErrMalformedInput.
func Read(r io.Reader) (*File, error) {
	f, err := read(bufio.NewReaderSize(r, 1<<16))
	if err != nil {
		return nil, failure.Wrap(failure.ErrMalformedInput, err, "decoding EDF")
	}
	return f, nil
}

func read(r io.Reader) (*File, error) {
	hdr := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("reading fixed header: %w", err)
	}
	fr := fieldReader{buf: hdr}
	version := fr.next(8)
	if strings.TrimSpace(version) != "0" {
		return nil, fmt.Errorf("unsupported version %q", version)
	}
	f := &File{}
	f.Patient = fr.next(80)
	f.Recording = fr.next(80)
	f.StartDate = fr.next(8)
	f.StartTime = fr.next(8)
	headerBytes, err := fr.int(8)
	if err != nil {
		return nil, fmt.Errorf("header bytes: %w", err)
	}
	f.Reserved = fr.next(44)
	if f.Records, err = fr.int(8); err != nil {
		return nil, fmt.Errorf("number of records: %w", err)
	}
	if f.RecordDuration, err = fr.float(8); err != nil {
		return nil, fmt.Errorf("record duration: %w", err)
	}
	ns, err := fr.int(4)
	if err != nil {
		return nil, fmt.Errorf("number of signals: %w", err)
	}
	if ns <= 0 {
		return nil, fmt.Errorf("no signals declared")
	}
	if headerBytes != fixedHeaderLen+ns*signalHeaderLen {
		return nil, fmt.Errorf("header bytes %d inconsistent with %d signals", headerBytes, ns)
	}
	if f.RecordDuration <= 0 {
		return nil, fmt.Errorf("record duration must be positive, got %v", f.RecordDuration)
	}

	sh := make([]byte, ns*signalHeaderLen)
	if _, err := io.ReadFull(r, sh); err != nil {
		return nil, fmt.Errorf("reading signal headers: %w", err)
	}
	f.Signals = make([]Signal, ns)
	sr := fieldReader{buf: sh}
	for i := range f.Signals {
		f.Signals[i].Label = sr.next(16)
	}
	for i := range f.Signals {
		f.Signals[i].Transducer = sr.next(80)
	}
	for i := range f.Signals {
		f.Signals[i].PhysicalDimension = sr.next(8)
	}
	for i := range f.Signals {
		if f.Signals[i].PhysicalMin, err = sr.float(8); err != nil {
			return nil, fmt.Errorf("signal %d physical minimum: %w", i, err)
		}
	}
	for i := range f.Signals {
		if f.Signals[i].PhysicalMax, err = sr.float(8); err != nil {
			return nil, fmt.Errorf("signal %d physical maximum: %w", i, err)
		}
	}
	for i := range f.Signals {
		if f.Signals[i].DigitalMin, err = sr.int(8); err != nil {
			return nil, fmt.Errorf("signal %d digital minimum: %w", i, err)
		}
	}
	for i := range f.Signals {
		if f.Signals[i].DigitalMax, err = sr.int(8); err != nil {
			return nil, fmt.Errorf("signal %d digital maximum: %w", i, err)
		}
	}
	for i := range f.Signals {
		f.Signals[i].Prefiltering = sr.next(80)
	}
	for i := range f.Signals {
		if f.Signals[i].SamplesPerRecord, err = sr.int(8); err != nil {
			return nil, fmt.Errorf("signal %d samples per record: %w", i, err)
		}
		if f.Signals[i].SamplesPerRecord <= 0 {
			return nil, fmt.Errorf("signal %d declares %d samples per record", i, f.Signals[i].SamplesPerRecord)
		}
	}
	// 32 reserved bytes per signal are ignored.

	recordSamples := 0
	for i := range f.Signals {
		recordSamples += f.Signals[i].SamplesPerRecord
	}
	raw := make([]byte, 2*recordSamples)
	records := 0
	for f.Records < 0 || records < f.Records {
		if _, err := io.ReadFull(r, raw); err != nil {
			if f.Records < 0 && errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading data record %d: %w", records, err)
		}
		off := 0
		for i := range f.Signals {
			s := &f.Signals[i]
			scale, offset := s.gain()
			for j := 0; j < s.SamplesPerRecord; j++ {
				d := int16(binary.LittleEndian.Uint16(raw[off:]))
				s.Samples = append(s.Samples, float64(d)*scale+offset)
				off += 2
			}
		}
		records++
	}
	f.Records = records
	return f, nil
}

// gain returns the linear map from digital to physical values.
func (s *Signal) gain() (scale, offset float64) {
	dr := float64(s.DigitalMax - s.DigitalMin)
	if dr == 0 {
		return 1, 0
	}
	scale = (s.PhysicalMax - s.PhysicalMin) / dr
	offset = s.PhysicalMin - float64(s.DigitalMin)*scale
	return scale, offset
}

type fieldReader struct {
	buf []byte
	off int
}

func (fr *fieldReader) next(n int) string {
	s := string(fr.buf[fr.off : fr.off+n])
	fr.off += n
	return strings.TrimSpace(s)
}

func (fr *fieldReader) int(n int) (int, error) {
	return strconv.Atoi(fr.next(n))
}

func (fr *fieldReader) float(n int) (float64, error) {
	v, err := strconv.ParseFloat(fr.next(n), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return v, nil
}

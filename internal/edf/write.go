package edf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Write encodes f as EDF. Every signal must hold exactly
// Records*SamplesPerRecord samples; values are quantized to the signal's
// digital range.
func Write(w io.Writer, f *File) error {
	if f == nil {
		return fmt.Errorf("nil file")
	}
	if len(f.Signals) == 0 {
		return fmt.Errorf("no signals")
	}
	if f.Records <= 0 || f.RecordDuration <= 0 {
		return fmt.Errorf("records (%d) and record duration (%v) must be positive", f.Records, f.RecordDuration)
	}
	for i := range f.Signals {
		s := &f.Signals[i]
		if want := f.Records * s.SamplesPerRecord; len(s.Samples) != want {
			return fmt.Errorf("signal %q: have %d samples, want %d", s.Label, len(s.Samples), want)
		}
		if s.DigitalMax <= s.DigitalMin || s.PhysicalMax <= s.PhysicalMin {
			return fmt.Errorf("signal %q: empty digital or physical range", s.Label)
		}
	}

	bw := bufio.NewWriter(w)
	ns := len(f.Signals)
	fw := fieldWriter{w: bw}
	fw.put("0", 8)
	fw.put(f.Patient, 80)
	fw.put(f.Recording, 80)
	fw.put(f.StartDate, 8)
	fw.put(f.StartTime, 8)
	fw.put(strconv.Itoa(fixedHeaderLen+ns*signalHeaderLen), 8)
	fw.put(f.Reserved, 44)
	fw.put(strconv.Itoa(f.Records), 8)
	fw.put(formatNumber(f.RecordDuration), 8)
	fw.put(strconv.Itoa(ns), 4)

	each := func(n int, v func(s *Signal) string) {
		for i := range f.Signals {
			fw.put(v(&f.Signals[i]), n)
		}
	}
	each(16, func(s *Signal) string { return s.Label })
	each(80, func(s *Signal) string { return s.Transducer })
	each(8, func(s *Signal) string { return s.PhysicalDimension })
	each(8, func(s *Signal) string { return formatNumber(s.PhysicalMin) })
	each(8, func(s *Signal) string { return formatNumber(s.PhysicalMax) })
	each(8, func(s *Signal) string { return strconv.Itoa(s.DigitalMin) })
	each(8, func(s *Signal) string { return strconv.Itoa(s.DigitalMax) })
	each(80, func(s *Signal) string { return s.Prefiltering })
	each(8, func(s *Signal) string { return strconv.Itoa(s.SamplesPerRecord) })
	each(32, func(*Signal) string { return "" })
	if fw.err != nil {
		return fw.err
	}

	var buf [2]byte
	for rec := 0; rec < f.Records; rec++ {
		for i := range f.Signals {
			s := &f.Signals[i]
			scale, offset := s.gain()
			base := rec * s.SamplesPerRecord
			for j := 0; j < s.SamplesPerRecord; j++ {
				d := math.Round((s.Samples[base+j] - offset) / scale)
				d = math.Max(float64(s.DigitalMin), math.Min(float64(s.DigitalMax), d))
				binary.LittleEndian.PutUint16(buf[:], uint16(int16(d)))
				if _, err := bw.Write(buf[:]); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

// WriteFile encodes f to path.
func WriteFile(path string, f *File) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(fh, f); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

type fieldWriter struct {
	w   *bufio.Writer
	err error
}

// put writes s left-aligned and space-padded to exactly n ASCII bytes.
func (fw *fieldWriter) put(s string, n int) {
	if fw.err != nil {
		return
	}
	if len(s) > n {
		s = s[:n]
	}
	_, fw.err = fw.w.WriteString(s + strings.Repeat(" ", n-len(s)))
}

func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if len(s) > 8 {
		s = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return s
}

package epoch

import "sleepstager/internal/annotation"

// snap absorbs float noise in fractional epoch coordinates.
const snap = 1e-9

// Align assigns one stage per epoch index 0..n-1: epoch i takes the stage of
// the latest mark whose coordinate is <= i. Epochs before the first mark, or
// all epochs when marks is empty, are Unknown. marks must be sorted by Epoch.
//
// The result always has length n.
func Align(marks []annotation.Mark, n int) []annotation.Stage {
	if n < 0 {
		n = 0
	}
	out := make([]annotation.Stage, n)
	cur := annotation.Unknown
	j := 0
	for i := 0; i < n; i++ {
		for j < len(marks) && marks[j].Epoch <= float64(i)+snap {
			cur = marks[j].Stage
			j++
		}
		out[i] = cur
	}
	return out
}

// Labeled returns the indexes of epochs whose label is a canonical stage.
func Labeled(labels []annotation.Stage) []int {
	out := make([]int, 0, len(labels))
	for i, l := range labels {
		if l.Known() {
			out = append(out, i)
		}
	}
	return out
}

// Distribution counts labels per stage, Unknown included.
func Distribution(labels []annotation.Stage) map[annotation.Stage]int {
	out := make(map[annotation.Stage]int, len(annotation.Stages)+1)
	for _, l := range labels {
		out[l]++
	}
	return out
}

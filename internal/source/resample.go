package source

import "math"

// ResampleIndices picks frame indices that decimate a clip of n frames
// uniformly by rate (target fps / source fps). Rates >= 1 keep every frame.
// The picked frames are centred in the clip.
func ResampleIndices(n int, rate float64) []int {
	if n <= 0 {
		return nil
	}
	if rate >= 1 || rate <= 0 {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	step := 1 / rate
	count := int(math.Ceil(float64(n) / step))
	last := float64(count-1) * step
	offset := int((float64(n) - last) / 2)

	idx := make([]int, 0, count)
	for i := 0; i < count; i++ {
		j := int(float64(i)*step + float64(offset))
		if j >= n {
			j = n - 1
		}
		idx = append(idx, j)
	}
	return idx
}

// Resample returns the items picked by ResampleIndices
func Resample[T any](items []T, rate float64) []T {
	idx := ResampleIndices(len(items), rate)
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

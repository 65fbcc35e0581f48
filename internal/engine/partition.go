package engine

// Range is an inclusive byte range, as in an HTTP Range header.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in r.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Partition splits [0, total) into n contiguous ranges of equal width, the last
// one absorbing the remainder of the integer division. n is clamped to [1, total]
// so that no range is empty.
func Partition(total int64, n int) []Range {
	if total <= 0 {
		return nil
	}

	if n < 1 {
		n = 1
	}

	if int64(n) > total {
		n = int(total)
	}

	width := total / int64(n)
	ranges := make([]Range, n)

	for i := range n {
		start := int64(i) * width
		end := start + width - 1

		if i == n-1 {
			end = total - 1
		}

		ranges[i] = Range{Start: start, End: end}
	}

	return ranges
}

package whisper

// window is one inference span in sample indices. Chunks produced inside
// [ownStart, ownEnd) belong to this window; the rest of the span is
// overlap owned by a neighbour.
type window struct {
	start, end       int
	ownStart, ownEnd int
}

func planWindows(total, chunk, stride int) []window {
	if total <= chunk || chunk <= 0 {
		return []window{{start: 0, end: total, ownStart: 0, ownEnd: total}}
	}
	step := chunk - 2*stride
	if step <= 0 {
		step, stride = chunk, 0
	}

	var windows []window
	for start := 0; ; start += step {
		end := min(start+chunk, total)
		w := window{
			start:    start,
			end:      end,
			ownStart: start + stride,
			ownEnd:   end - stride,
		}
		if start == 0 {
			w.ownStart = 0
		}
		if end == total {
			w.ownEnd = total
			windows = append(windows, w)
			return windows
		}
		windows = append(windows, w)
	}
}

func (w window) owns(sample int) bool {
	return sample >= w.ownStart && sample < w.ownEnd
}

package engine

// FrameWindow is a bounded FIFO of the most recent preprocessed frames.
// Appending to a full window evicts the oldest entry. Entries are never
// reordered.
type FrameWindow struct {
	buf   []Tensor
	seqs  []uint64
	head  int // index of the oldest entry
	count int
}

// NewFrameWindow creates a window holding at most size tensors
func NewFrameWindow(size int) *FrameWindow {
	if size < 1 {
		size = 1
	}
	return &FrameWindow{
		buf:  make([]Tensor, size),
		seqs: make([]uint64, size),
	}
}

// Append adds a tensor at the tail, evicting the head when full
func (w *FrameWindow) Append(seq uint64, t Tensor) {
	size := len(w.buf)
	if w.count < size {
		idx := (w.head + w.count) % size
		w.buf[idx] = t
		w.seqs[idx] = seq
		w.count++
		return
	}

	w.buf[w.head] = t
	w.seqs[w.head] = seq
	w.head = (w.head + 1) % size
}

// Len returns the number of buffered tensors
func (w *FrameWindow) Len() int { return w.count }

// Cap returns the window capacity
func (w *FrameWindow) Cap() int { return len(w.buf) }

// Full reports whether the window holds Cap tensors
func (w *FrameWindow) Full() bool { return w.count == len(w.buf) }

// Tensors returns the buffered tensors, oldest first.
// The returned slice is a fresh copy; tensors themselves are shared.
func (w *FrameWindow) Tensors() []Tensor {
	out := make([]Tensor, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Seqs returns the sequence ids of the buffered tensors, oldest first
func (w *FrameWindow) Seqs() []uint64 {
	out := make([]uint64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.seqs[(w.head+i)%len(w.buf)]
	}
	return out
}

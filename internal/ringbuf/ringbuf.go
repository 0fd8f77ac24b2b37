// Package ringbuf provides the fixed-capacity sample buffer used by every
// rolling-statistics consumer. Push is O(1); once full it overwrites the
// oldest sample. Not goroutine-safe: owners serialize access.
package ringbuf

// Buffer is a fixed-capacity FIFO of float64 samples.
type Buffer struct {
	data  []float64
	head  int
	count int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{data: make([]float64, capacity)}
}

func (b *Buffer) Push(x float64) {
	b.data[(b.head+b.count)%len(b.data)] = x
	if b.count < len(b.data) {
		b.count++
		return
	}
	b.head = (b.head + 1) % len(b.data)
}

// All returns the logical contents oldest to newest. The slice is a copy.
func (b *Buffer) All() []float64 {
	out := make([]float64, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	return out
}

// Latest returns the most recently pushed value; ok is false when empty.
func (b *Buffer) Latest() (float64, bool) {
	if b.count == 0 {
		return 0, false
	}
	return b.data[(b.head+b.count-1)%len(b.data)], true
}

// Last returns the newest n samples oldest to newest, shorter when fewer
// samples exist.
func (b *Buffer) Last(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]float64, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.data[(b.head+start+i)%len(b.data)]
	}
	return out
}

func (b *Buffer) Len() int   { return b.count }
func (b *Buffer) Cap() int   { return len(b.data) }
func (b *Buffer) Full() bool { return b.count == len(b.data) }

func (b *Buffer) Clear() {
	b.head = 0
	b.count = 0
}

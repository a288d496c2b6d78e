package filter

import "github.com/voskflow/voskflow/pkg/pipeline"

// drainBatchSize caps how many queued frames a single drain pass feeds to
// the recognizer. A very deep backlog is worked off across successive frame
// deliveries instead of starving the filter lock in one sitting.
const drainBatchSize = 11

// frameQueue is a FIFO of frames pending while no recognizer is ready.
// It grows without bound; upstream backpressure is the host's concern.
// Not safe for concurrent use — the filter mutex guards it.
type frameQueue struct {
	frames []pipeline.Frame
	head   int
}

// push appends f at the tail.
func (q *frameQueue) push(f pipeline.Frame) {
	q.frames = append(q.frames, f)
}

// pop removes and returns the frame at the head.
func (q *frameQueue) pop() (pipeline.Frame, bool) {
	if q.head >= len(q.frames) {
		return pipeline.Frame{}, false
	}
	f := q.frames[q.head]
	// Release the payload reference so consumed frames don't pin memory
	// for as long as the backing array lives.
	q.frames[q.head] = pipeline.Frame{}
	q.head++
	if q.head == len(q.frames) {
		q.frames = q.frames[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.frames) {
		// Compact once the dead prefix dominates the backing array.
		n := copy(q.frames, q.frames[q.head:])
		q.frames = q.frames[:n]
		q.head = 0
	}
	return f, true
}

// len returns the number of queued frames.
func (q *frameQueue) len() int {
	return len(q.frames) - q.head
}

// clear discards all queued frames.
func (q *frameQueue) clear() {
	q.frames = nil
	q.head = 0
}

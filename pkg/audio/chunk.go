package audio

// ChunkAccumulator batches PCM blocks until a threshold is reached so that
// playback on the receiving peer is smooth. Larger thresholds mean fewer,
// bigger messages at the cost of added latency.
//
// Blocks come out in the order they went in. A ChunkAccumulator is owned by a
// single relay goroutine and is not safe for concurrent use.
type ChunkAccumulator struct {
	maxBlocks int
	maxBytes  int

	blocks [][]byte
	size   int
}

// NewChunkAccumulator returns an accumulator that becomes ready after
// maxBlocks appended blocks, or earlier once maxBytes bytes are pending when
// maxBytes > 0. maxBlocks below 1 is treated as 1.
func NewChunkAccumulator(maxBlocks, maxBytes int) *ChunkAccumulator {
	if maxBlocks < 1 {
		maxBlocks = 1
	}
	return &ChunkAccumulator{
		maxBlocks: maxBlocks,
		maxBytes:  max(maxBytes, 0),
	}
}

// Append queues a block. Empty blocks are ignored so they never count towards
// the threshold. The accumulator keeps a reference to block; callers hand
// over ownership.
func (a *ChunkAccumulator) Append(block []byte) {
	if len(block) == 0 {
		return
	}
	a.blocks = append(a.blocks, block)
	a.size += len(block)
}

// Ready reports whether enough audio is pending to emit a chunk.
func (a *ChunkAccumulator) Ready() bool {
	if len(a.blocks) >= a.maxBlocks {
		return true
	}
	return a.maxBytes > 0 && a.size >= a.maxBytes
}

// Drain concatenates every pending block and resets the accumulator.
// It returns nil when nothing is pending.
func (a *ChunkAccumulator) Drain() []byte {
	if len(a.blocks) == 0 {
		return nil
	}
	out := make([]byte, 0, a.size)
	for _, b := range a.blocks {
		out = append(out, b...)
	}
	a.reset()
	return out
}

// Flush drains whatever is pending regardless of the threshold. Used at end
// of stream so trailing audio is not lost; calling it again right away
// returns nil.
func (a *ChunkAccumulator) Flush() []byte {
	return a.Drain()
}

// Discard drops all pending audio and returns the number of bytes dropped.
// Used on barge-in, when queued speech is stale.
func (a *ChunkAccumulator) Discard() int {
	n := a.size
	a.reset()
	return n
}

// Blocks returns the number of pending blocks.
func (a *ChunkAccumulator) Blocks() int { return len(a.blocks) }

// Size returns the number of pending bytes.
func (a *ChunkAccumulator) Size() int { return a.size }

func (a *ChunkAccumulator) reset() {
	clear(a.blocks)
	a.blocks = a.blocks[:0]
	a.size = 0
}

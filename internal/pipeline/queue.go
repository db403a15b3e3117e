package pipeline

import (
	"container/heap"

	"github.com/ninjacall/voicecore/internal/model"
)

// chunkHeap orders queued chunks by ascending SequenceNumber so a worker
// always processes the oldest-produced chunk next regardless of arrival
// order, per design §4.6's FIFO-by-sequence-number queue.
type chunkHeap []model.AudioChunk

func (h chunkHeap) Len() int { return len(h) }
func (h chunkHeap) Less(i, j int) bool { return h[i].SequenceNumber < h[j].SequenceNumber }
func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chunkHeap) Push(x any) { *h = append(*h, x.(model.AudioChunk)) }

func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ = heap.Interface(&chunkHeap{})

package transport

import "container/heap"

// reassembler restores per-sender ordering on the reliable channel. One
// instance per remote address, owned by the polling goroutine — no locking.
type reassembler struct {
	expectedSeq uint32
	buffer      seqHeap
	buffered    map[uint32]struct{}
}

// newReassembler expects sequence numbers starting at 1.
func newReassembler() *reassembler {
	return &reassembler{expectedSeq: 1, buffered: make(map[uint32]struct{})}
}

// feed processes one reliable datagram body and returns every body that can
// now be delivered in sequence order. Duplicates and stale retransmits
// return nil.
func (r *reassembler) feed(seq uint32, payload []byte) [][]byte {
	if seq < r.expectedSeq {
		// Retransmit of something already delivered. The ack was lost;
		// the caller re-acks, we drop.
		return nil
	}

	if seq > r.expectedSeq {
		if _, dup := r.buffered[seq]; !dup {
			heap.Push(&r.buffer, seqItem{seq: seq, payload: payload})
			r.buffered[seq] = struct{}{}
		}
		return nil
	}

	// seq == expectedSeq: deliver it plus any consecutive buffered bodies.
	result := [][]byte{payload}
	r.expectedSeq++

	for r.buffer.Len() > 0 && r.buffer[0].seq == r.expectedSeq {
		item := heap.Pop(&r.buffer).(seqItem)
		delete(r.buffered, item.seq)
		result = append(result, item.payload)
		r.expectedSeq++
	}

	return result
}

type seqItem struct {
	seq     uint32
	payload []byte
}

// seqHeap is a min-heap ordered by seq.
type seqHeap []seqItem

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(seqItem)) }

func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = seqItem{}
	*h = old[:n-1]
	return item
}

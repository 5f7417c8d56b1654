package session

import "time"

// pendingCON is an unacknowledged Confirmable message the session
// manager is responsible for retransmitting (spec §4.2 pending_con).
type pendingCON struct {
	messageID   uint16
	token       []byte
	payload     []byte
	attempts    int
	deadline    time.Time
	onExhausted func()
	heapIndex   int
}

// conHeap is a min-heap of pendingCON ordered by deadline, implementing
// spec §9's "per-session min-heap keyed by deadline" retransmission timer.
type conHeap []*pendingCON

func (h conHeap) Len() int { return len(h) }
func (h conHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h conHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *conHeap) Push(x interface{}) {
	p := x.(*pendingCON)
	p.heapIndex = len(*h)
	*h = append(*h, p)
}

func (h *conHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*h = old[:n-1]
	return p
}

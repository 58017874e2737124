package radiustrunk

import (
	"container/heap"
	"time"

	"github.com/francistor/radtrunk/core"
)

// One logical radius exchange as submitted by the caller
type Request struct {
	Code byte
	AVPs []core.AVP

	// Larger is more important
	Priority uint32

	// In proxy mode, set when there is a compatible upstream packet of the
	// same code whose duplicates drive our retransmissions
	Proxied bool
}

// Final outcome of an exchange
type Result struct {
	Code core.ResultCode

	// Code and attributes of the response, when one was received
	ResponseCode byte
	ResponseAVPs []core.AVP

	Err error
}

type entryState int

const (
	stateInit entryState = iota
	stateBacklog
	statePending
	statePartial
	stateSent
	stateCancelled
	stateComplete
	stateFailed
)

func (s entryState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateBacklog:
		return "backlog"
	case statePending:
		return "pending"
	case statePartial:
		return "partial"
	case stateSent:
		return "sent"
	case stateCancelled:
		return "cancelled"
	case stateComplete:
		return "complete"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s entryState) terminal() bool {
	return s == stateCancelled || s == stateComplete || s == stateFailed
}

// Internal representation of a request while it moves through the trunk.
// Owned by the trunk event loop, never touched from outside it
type trunkEntry struct {
	request  *Request
	exchange *Exchange

	statusCheck bool
	requireMA   bool
	proxied     bool
	priority    uint32
	recvTime    time.Time

	state entryState
	conn  *connection

	// Valid while an id is reserved
	idEntry *IdEntry

	// Wire image, built at first write and reused for retransmissions
	encoded       []byte
	authenticator [16]byte

	// Offset already written, for partial writes on stream transports
	written int

	// Attributes passed to the encoder after the request ones. Proxy-State
	// is not kept here: the encoder adds it from the encode options
	extra []core.AVP

	retryConfig core.RetryConfig
	retry       retryState
	isRetry     bool

	timer *time.Timer
	// Incremented whenever the timer is stopped or rearmed so that stale
	// fires can be recognized in the event loop
	timerGen int

	heapIndex int
}

func (e *trunkEntry) hasId() bool {
	return e.idEntry != nil
}

// Forgets the wire image so that the next write re-reserves an id and
// re-encodes
func (e *trunkEntry) dropEncoded() {
	e.encoded = nil
	e.written = 0
}

// Ordering of the backlog and per connection pending queues. Status checks
// first, then larger priority, then older receive time
func entryLess(a, b *trunkEntry) bool {
	if a.statusCheck != b.statusCheck {
		return a.statusCheck
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.recvTime.Before(b.recvTime)
}

// container/heap implementation
type entryHeap []*trunkEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return entryLess(h[i], h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*trunkEntry)
	entry.heapIndex = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.heapIndex = -1
	*h = old[:n-1]
	return entry
}

func (h *entryHeap) push(entry *trunkEntry) {
	heap.Push(h, entry)
}

func (h *entryHeap) pop() *trunkEntry {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*trunkEntry)
}

func (h *entryHeap) peek() *trunkEntry {
	if h.Len() == 0 {
		return nil
	}
	return (*h)[0]
}

// Removes an arbitrary entry, for cancellation
func (h *entryHeap) remove(entry *trunkEntry) {
	if entry.heapIndex >= 0 && entry.heapIndex < h.Len() && (*h)[entry.heapIndex] == entry {
		heap.Remove(h, entry.heapIndex)
	}
}

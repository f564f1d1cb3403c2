package producer

import (
	"time"

	"github.com/tradefabric/streambus/internal/types"
)

// queuedItem is one message waiting in a batcher queue.
type queuedItem struct {
	fields   types.FieldPairs
	enqueued time.Time
}

// deque is a slice-backed double-ended queue. A failed flush must be put
// back in front of newer items in O(1) amortized time: repeated slice
// concatenation is quadratic under a sustained store outage and would keep
// the batcher from ever draining.
type deque struct {
	items []queuedItem
	head  int
}

func (d *deque) len() int {
	return len(d.items) - d.head
}

func (d *deque) pushBack(it queuedItem) {
	d.items = append(d.items, it)
}

// pushFront puts batch back at the head, preserving its internal order.
func (d *deque) pushFront(batch []queuedItem) {
	if len(batch) == 0 {
		return
	}
	if d.head >= len(batch) {
		copy(d.items[d.head-len(batch):d.head], batch)
		d.head -= len(batch)
		return
	}
	merged := make([]queuedItem, 0, len(batch)+d.len())
	merged = append(merged, batch...)
	merged = append(merged, d.items[d.head:]...)
	d.items = merged
	d.head = 0
}

func (d *deque) popFront() (queuedItem, bool) {
	if d.len() == 0 {
		return queuedItem{}, false
	}
	it := d.items[d.head]
	d.items[d.head] = queuedItem{}
	d.head++
	if d.head == len(d.items) {
		d.items = d.items[:0]
		d.head = 0
	}
	return it, true
}

// front returns the oldest item without removing it.
func (d *deque) front() (queuedItem, bool) {
	if d.len() == 0 {
		return queuedItem{}, false
	}
	return d.items[d.head], true
}

// popFrontN removes and returns up to n items from the head.
func (d *deque) popFrontN(n int) []queuedItem {
	if n > d.len() {
		n = d.len()
	}
	out := make([]queuedItem, n)
	for i := 0; i < n; i++ {
		out[i], _ = d.popFront()
	}
	return out
}

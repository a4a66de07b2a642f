package broker

import "sort"

// idRange is a closed, inclusive interval of packet identifiers
// currently considered in use. The pool keeps its set of in-use ids
// as a sorted list of disjoint, non-adjacent idRanges, the same
// range-chunk design as the original broker prototype's KeyPool: two
// ranges are merged into one the moment they become adjacent, so the
// list never grows past the number of actual "holes" in the id space.
type idRange struct {
	start, end uint16
}

// IDPool hands out 16-bit MQTT packet identifiers for QoS 1/2
// deliveries. Each client session owns one pool (see spec.md's
// resolution of the packet-ID Open Question: allocation is per
// session, never a single process-wide counter), so two different
// clients can be mid-flight on packet id 1 at the same time without
// conflict.
//
// IDPool is not safe for concurrent use; callers only ever touch it
// from the single dispatcher goroutine.
type IDPool struct {
	used []idRange
}

// NewIDPool returns an empty pool. Packet identifiers start at 1;
// MQTT-2.3.1-1 forbids a packet identifier of 0 for packets that
// require one.
func NewIDPool() *IDPool {
	return &IDPool{}
}

// indexOf returns the index of the first range whose end is >= id.
func (p *IDPool) indexOf(id uint16) int {
	return sort.Search(len(p.used), func(i int) bool {
		return p.used[i].end >= id
	})
}

// contains reports whether id falls inside any tracked range.
func (p *IDPool) contains(id uint16) bool {
	i := p.indexOf(id)
	return i < len(p.used) && p.used[i].start <= id
}

// Alloc reserves and returns the smallest currently-unused packet
// identifier. It reports false if the id space [1, 65535] is
// exhausted.
func (p *IDPool) Alloc() (uint16, bool) {
	var candidate uint16 = 1
	for _, r := range p.used {
		if candidate < r.start {
			break
		}
		if candidate <= r.end {
			if r.end == 0xFFFF {
				return 0, false
			}
			candidate = r.end + 1
		}
	}
	p.markUsed(candidate)
	return candidate, true
}

// Reserve marks id as in-use, reporting false if it was already
// reserved. The broker itself does not call it: ids of messages saved
// for an offline session are taken with Alloc and stay reserved until
// acknowledged.
func (p *IDPool) Reserve(id uint16) bool {
	if p.contains(id) {
		return false
	}
	p.markUsed(id)
	return true
}

// markUsed inserts id into the sorted range list, merging with
// neighboring ranges that become adjacent or overlapping.
func (p *IDPool) markUsed(id uint16) {
	i := sort.Search(len(p.used), func(i int) bool {
		return p.used[i].start > id
	})
	// Try to extend the preceding range.
	if i > 0 && (p.used[i-1].end == id || p.used[i-1].end+1 == id) {
		p.used[i-1].end = id
		if i < len(p.used) && p.used[i].start == id+1 {
			p.used[i-1].end = p.used[i].end
			p.used = append(p.used[:i], p.used[i+1:]...)
		}
		return
	}
	// Try to extend the following range backward.
	if i < len(p.used) && p.used[i].start == id+1 {
		p.used[i].start = id
		return
	}
	// No adjacent range: insert a fresh singleton range.
	p.used = append(p.used, idRange{})
	copy(p.used[i+1:], p.used[i:])
	p.used[i] = idRange{start: id, end: id}
}

// Release frees id, splitting or shrinking the owning range as
// needed. Releasing an id that isn't reserved is a no-op.
func (p *IDPool) Release(id uint16) {
	i := p.indexOf(id)
	if i >= len(p.used) || p.used[i].start > id {
		return
	}
	r := p.used[i]
	switch {
	case r.start == id && r.end == id:
		p.used = append(p.used[:i], p.used[i+1:]...)
	case r.start == id:
		p.used[i].start = id + 1
	case r.end == id:
		p.used[i].end = id - 1
	default:
		left := idRange{start: r.start, end: id - 1}
		right := idRange{start: id + 1, end: r.end}
		p.used = append(p.used, idRange{})
		copy(p.used[i+2:], p.used[i+1:])
		p.used[i] = left
		p.used[i+1] = right
	}
}

// InUse reports the number of packet identifiers currently reserved,
// used by metrics.QoSMessagesInflight.
func (p *IDPool) InUse() int {
	n := 0
	for _, r := range p.used {
		n += int(r.end) - int(r.start) + 1
	}
	return n
}

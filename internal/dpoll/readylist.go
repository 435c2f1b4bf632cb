package dpoll

// readyList buffers interest items with deliverable events between pwait
// calls. Invariants: an item appears at most once, and its onReady flag
// matches membership exactly. Reinsertion keeps the original position;
// removal scans from the tail, where recent insertions live, and stops at
// the first match.
type readyList struct {
	list []*item
}

// push appends it unless it is already listed.
func (r *readyList) push(it *item) {
	if it.onReady {
		return
	}
	it.onReady = true
	r.list = append(r.list, it)
}

// remove unlists it.
func (r *readyList) remove(it *item) {
	it.onReady = false
	for i := len(r.list) - 1; i >= 0; i-- {
		if r.list[i] == it {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}
}

// drain pops up to max entries from the front, clearing each flag and
// handing the item to fn with its output slot.
func (r *readyList) drain(max int, fn func(i int, it *item)) int {
	n := 0
	for n < max && len(r.list) > 0 {
		it := r.list[0]
		r.list = r.list[1:]
		it.onReady = false
		fn(n, it)
		n++
	}
	return n
}

func (r *readyList) empty() bool {
	return len(r.list) == 0
}

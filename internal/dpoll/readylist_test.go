package dpoll

import "testing"

func TestReadyListPushIsIdempotent(t *testing.T) {
	var r readyList
	it := &item{}

	r.push(it)
	r.push(it)

	if len(r.list) != 1 {
		t.Fatalf("list length = %d, want 1", len(r.list))
	}
	if !it.onReady {
		t.Error("flag not set after push")
	}
}

func TestReadyListFlagMatchesMembership(t *testing.T) {
	var r readyList
	a, b := &item{}, &item{}

	r.push(a)
	r.push(b)
	r.remove(a)

	if a.onReady {
		t.Error("removed item still flagged")
	}
	if !b.onReady {
		t.Error("remaining item lost its flag")
	}
	if len(r.list) != 1 || r.list[0] != b {
		t.Errorf("list = %v", r.list)
	}
}

func TestReadyListPushKeepsOriginalPosition(t *testing.T) {
	var r readyList
	a, b := &item{}, &item{}

	r.push(a)
	r.push(b)
	r.push(a) // no-op: a stays in front

	if r.list[0] != a || r.list[1] != b {
		t.Error("reinsertion moved the item")
	}
}

func TestReadyListDrainClearsFlags(t *testing.T) {
	var r readyList
	a, b, c := &item{}, &item{}, &item{}
	r.push(a)
	r.push(b)
	r.push(c)

	var got []*item
	n := r.drain(2, func(i int, it *item) { got = append(got, it) })

	if n != 2 || got[0] != a || got[1] != b {
		t.Fatalf("drain popped %d items %v", n, got)
	}
	if a.onReady || b.onReady {
		t.Error("drained items still flagged")
	}
	if !c.onReady || r.empty() {
		t.Error("undrained item lost state")
	}
}

func TestReadyListRemoveScansFromTail(t *testing.T) {
	var r readyList
	items := []*item{{}, {}, {}, {}}
	for _, it := range items {
		r.push(it)
	}

	r.remove(items[3])
	r.remove(items[0])

	if len(r.list) != 2 || r.list[0] != items[1] || r.list[1] != items[2] {
		t.Errorf("unexpected remaining list")
	}
}

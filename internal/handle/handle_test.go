package handle

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := New(1234, 56, KindSocket)

	if h.Index() != 1234 {
		t.Errorf("index: got %d, want 1234", h.Index())
	}
	if h.Generation() != 56 {
		t.Errorf("generation: got %d, want 56", h.Generation())
	}
	if h.Kind() != KindSocket {
		t.Errorf("kind: got %v, want socket", h.Kind())
	}

	// Re-encoding the decoded parts must reproduce the handle.
	if h2 := New(h.Index(), h.Generation(), h.Kind()); h2 != h {
		t.Errorf("re-encode: got %v, want %v", h2, h)
	}
}

func TestHandleIsNonNegativeWithBit30(t *testing.T) {
	for _, h := range []Handle{
		New(0, 0, KindDpoll),
		New(0, 0, KindSocket),
		New(MaxIndex, 255, KindSocket),
	} {
		fd := h.FD()
		if fd < 0 {
			t.Errorf("%v: fd %d is negative", h, fd)
		}
		if fd&(1<<30) == 0 {
			t.Errorf("%v: fd %#x lacks bit 30", h, fd)
		}
		if !IsLibrary(fd) {
			t.Errorf("%v: IsLibrary(%d) = false", h, fd)
		}
	}
}

func TestKernelFDsAreNotLibraryHandles(t *testing.T) {
	for _, fd := range []int{0, 1, 2, 3, 1000, 1 << 19, -1} {
		if IsLibrary(fd) {
			t.Errorf("IsLibrary(%d) = true, want false", fd)
		}
		if _, ok := FromFD(fd); ok {
			t.Errorf("FromFD(%d) decoded a kernel fd", fd)
		}
	}
}

func TestFromFDRoundTrip(t *testing.T) {
	h := New(42, 7, KindDpoll)
	got, ok := FromFD(h.FD())
	if !ok {
		t.Fatalf("FromFD rejected a library fd")
	}
	if got != h {
		t.Errorf("got %v, want %v", got, h)
	}
}

func TestKindDiscriminator(t *testing.T) {
	if New(5, 0, KindDpoll).Kind() != KindDpoll {
		t.Error("dpoll handle decoded as socket")
	}
	if New(5, 0, KindSocket).Kind() != KindSocket {
		t.Error("socket handle decoded as dpoll")
	}
}

func TestNewPanicsOnOversizedIndex(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for index > MaxIndex")
		}
	}()
	New(MaxIndex+1, 0, KindSocket)
}

func TestGenerationWraps(t *testing.T) {
	g := Generation(255)
	if g.Next() != 0 {
		t.Errorf("generation 255.Next() = %d, want 0", g.Next())
	}
}

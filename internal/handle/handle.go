// Package handle implements the 32-bit descriptor encoding and the
// generational slabs backing it. Handles are interchangeable with kernel
// file descriptors on the public surface: bit 30 is set on every handle this
// library issues, while kernel fds are small non-negative integers with bit
// 30 clear, so a single bit test routes any incoming fd.
package handle

import "fmt"

// Layout, least-significant bit first: 21 bits slab index, 8 bits
// generation, 1 bit kind (socket vs dpoll), 1 bit library marker (always
// set), sign bit clear.
const (
	indexBits = 21
	indexMask = 1<<indexBits - 1

	genShift = indexBits
	genMask  = 0xff

	socketBit  = 1 << 29
	libraryBit = 1 << 30

	// MaxIndex is the highest slab slot a handle can address.
	MaxIndex = indexMask
)

// Generation is a wrapping counter incremented every time a slab slot is
// freed, so a stale handle can never alias a slot's next occupant.
type Generation uint8

// Next returns the generation after g, wrapping at 255.
func (g Generation) Next() Generation {
	return g + 1
}

// Kind discriminates the two slabs a handle can point into.
type Kind int

const (
	KindDpoll Kind = iota
	KindSocket
)

func (k Kind) String() string {
	if k == KindSocket {
		return "socket"
	}
	return "dpoll"
}

// Handle is a packed library descriptor. The zero value is not a valid
// handle (bit 30 is clear).
type Handle uint32

// New packs index, generation and kind into a handle. index must not exceed
// MaxIndex.
func New(index uint32, gen Generation, kind Kind) Handle {
	if index > MaxIndex {
		panic(fmt.Sprintf("handle: slab index %d out of range", index))
	}
	h := Handle(index) | Handle(gen)<<genShift | libraryBit
	if kind == KindSocket {
		h |= socketBit
	}
	return h
}

// IsLibrary reports whether fd was issued by this library. Negative fds and
// kernel fds (bit 30 clear) are not.
func IsLibrary(fd int) bool {
	return fd >= 0 && fd&libraryBit != 0
}

// FromFD decodes fd into a handle. ok is false for kernel fds, which must be
// passed through to the kernel untouched.
func FromFD(fd int) (h Handle, ok bool) {
	if !IsLibrary(fd) {
		return 0, false
	}
	return Handle(uint32(fd)), true
}

// FD returns the fd-compatible integer form of h. It is always non-negative.
func (h Handle) FD() int {
	return int(uint32(h))
}

// Index returns the slab slot h addresses.
func (h Handle) Index() uint32 {
	return uint32(h) & indexMask
}

// Generation returns the generation recorded in h.
func (h Handle) Generation() Generation {
	return Generation(uint32(h) >> genShift & genMask)
}

// Kind returns the slab h points into.
func (h Handle) Kind() Kind {
	if uint32(h)&socketBit != 0 {
		return KindSocket
	}
	return KindDpoll
}

func (h Handle) String() string {
	return fmt.Sprintf("%s(%d,g%d)", h.Kind(), h.Index(), h.Generation())
}

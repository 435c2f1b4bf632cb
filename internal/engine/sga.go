package engine

// SgArray is an engine scatter-gather buffer: one logical byte run split
// across one or more segments. Buffers handed to Push must remain untouched
// until the push completion is observed.
type SgArray struct {
	Segs [][]byte
}

// Len returns the total byte length across all segments.
func (s *SgArray) Len() int {
	n := 0
	for _, seg := range s.Segs {
		n += len(seg)
	}
	return n
}

// Fill copies len(s) bytes from src into the segments in order. src must be
// at least as long as the buffer.
func (s *SgArray) Fill(src []byte) {
	if len(src) < s.Len() {
		panic("engine: short source for SgArray fill")
	}
	off := 0
	for _, seg := range s.Segs {
		copy(seg, src[off:off+len(seg)])
		off += len(seg)
	}
}

// FillVecs gathers bytes from src, in iovec order, into the segments. The
// vectors must hold at least len(s) bytes in total.
func (s *SgArray) FillVecs(src [][]byte) {
	total := 0
	for _, v := range src {
		total += len(v)
	}
	if total < s.Len() {
		panic("engine: short vectors for SgArray fill")
	}

	srcOff := 0
	for _, seg := range s.Segs {
		segOff := 0
		for segOff < len(seg) {
			for srcOff >= len(src[0]) {
				src = src[1:]
				srcOff = 0
			}
			n := copy(seg[segOff:], src[0][srcOff:])
			segOff += n
			srcOff += n
		}
	}
}

// Reader is a consuming byte cursor over an SgArray, tracking a segment
// offset and a byte offset within the segment. A partially drained buffer
// keeps its position across calls.
type Reader struct {
	sga *SgArray
	seg int
	off int
}

// NewReader returns a cursor positioned at the start of sga.
func NewReader(sga *SgArray) *Reader {
	return &Reader{sga: sga}
}

// Empty reports whether every byte has been consumed.
func (r *Reader) Empty() bool {
	for seg := r.seg; seg < len(r.sga.Segs); seg++ {
		off := 0
		if seg == r.seg {
			off = r.off
		}
		if off < len(r.sga.Segs[seg]) {
			return false
		}
	}
	return true
}

// Copy consumes up to len(dst) bytes into dst and returns the count copied.
func (r *Reader) Copy(dst []byte) int {
	total := 0
	for len(dst) > 0 && r.seg < len(r.sga.Segs) {
		seg := r.sga.Segs[r.seg]
		if r.off >= len(seg) {
			r.seg++
			r.off = 0
			continue
		}
		n := copy(dst, seg[r.off:])
		r.off += n
		total += n
		dst = dst[n:]
	}
	return total
}

// CopyVecs scatters consumed bytes across dst in iovec order and returns
// the count copied.
func (r *Reader) CopyVecs(dst [][]byte) int {
	total := 0
	for _, v := range dst {
		if r.Empty() {
			break
		}
		total += r.Copy(v)
	}
	return total
}

package katana

import "fmt"

// ring maps the host-visible PCM buffer (written by the application)
// to the byte ranges consumed by outgoing transfers. Both cursors are
// monotonic frame counts; buffer positions are derived modulo the
// capacity, so a completely full buffer stays distinguishable from an
// empty one. All methods require the session lock.
type ring struct {
	buf       []byte
	frameSize uint32
	frames    uint32 // capacity in frames
	readPos   uint32 // frames consumed, monotonic
	applPtr   uint32 // frames written, monotonic
	underruns int    // refills that needed silence fill
}

func (r *ring) init(capFrames, frameSize uint32) {
	r.buf = make([]byte, capFrames*frameSize)
	r.frames = capFrames
	r.frameSize = frameSize
	r.readPos = 0
	r.applPtr = 0
	r.underruns = 0
}

func (r *ring) reset() {
	r.readPos = 0
	r.applPtr = 0
}

// available returns the number of written frames not yet consumed.
func (r *ring) available() uint32 {
	return r.applPtr - r.readPos
}

// drain copies up to maxFrames of application data into dst, splitting
// a single wraparound into two copies, and advances the read cursor by
// the amount actually copied. A shortfall is filled with silence so
// the transfer always carries its full fixed size; an isochronous
// stream that under-fills a frame interval desyncs the device clock.
// The returned count is always maxFrames.
func (r *ring) drain(dst []byte, maxFrames uint32) uint32 {
	want := maxFrames * r.frameSize
	if want > uint32(len(dst)) {
		want = uint32(len(dst)) - uint32(len(dst))%r.frameSize
		maxFrames = want / r.frameSize
	}

	avail := r.available()
	if avail > maxFrames {
		avail = maxFrames
	}
	availBytes := avail * r.frameSize

	pos := (r.readPos % r.frames) * r.frameSize

	first := availBytes
	if tail := uint32(len(r.buf)) - pos; first > tail {
		first = tail
	}

	copy(dst[:first], r.buf[pos:pos+first])
	if availBytes > first {
		copy(dst[first:availBytes], r.buf[:availBytes-first])
	}

	if availBytes < want {
		clear(dst[availBytes:want])
		r.underruns++
	}

	r.readPos += avail

	return maxFrames
}

// write copies whole frames of application data at the write cursor
// and advances it. The copy is clamped to the free space left between
// the cursors, so the caller sees backpressure as a short frame count
// instead of clobbered unread audio; a full ring accepts nothing. The
// cursor moves only after the copy commits, so a rejected write never
// corrupts shared state.
func (r *ring) write(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if uint32(len(data))%r.frameSize != 0 {
		return 0, fmt.Errorf("write of %d bytes is not frame-aligned: %w", len(data), ErrShortCopy)
	}

	frames := uint32(len(data)) / r.frameSize
	if free := r.frames - r.available(); frames > free {
		frames = free
	}
	if frames == 0 {
		return 0, nil
	}

	n := frames * r.frameSize
	pos := (r.applPtr % r.frames) * r.frameSize

	first := n
	if tail := uint32(len(r.buf)) - pos; first > tail {
		first = tail
	}

	copy(r.buf[pos:pos+first], data[:first])
	copy(r.buf[:n-first], data[first:n])

	r.applPtr += frames

	return frames, nil
}

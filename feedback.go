package katana

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// The feedback endpoint periodically reports how many samples the
// device consumed per host frame interval, as a fixed-point value with
// 14 fractional bits, in 3 or 4 little-endian bytes.
const (
	feedbackFracBits = 14
	feedbackHalfUnit = 1 << (feedbackFracBits - 1)
)

// feedbackState is owned by the stream session. It is updated only by
// the feedback transfer's completion and read by the data-transfer
// completion to decide pacing, both under the session lock.
type feedbackState struct {
	nominal uint32 // rate-derived samples per interval
	raw     uint32 // latest raw fixed-point sample
	value   uint32 // latest rounded samples per interval
	count   uint64 // accepted samples so far
	avg     uint32 // exponentially-weighted running average
	valid   bool   // true once a sample passed the sanity band
}

// reset re-seeds the state for a new nominal rate. The average becomes
// valid again only after the next in-band sample.
func (f *feedbackState) reset(rate uint32) {
	*f = feedbackState{nominal: rate / IntervalsPerSecond}
}

// parseFeedback decodes a 3- or 4-byte little-endian fixed-point
// feedback sample into its raw representation.
func parseFeedback(raw []byte) (uint32, error) {
	switch len(raw) {
	case 3:
		return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16, nil
	case 4:
		return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24, nil
	default:
		return 0, fmt.Errorf("feedback sample must be 3 or 4 bytes, got %d: %w", len(raw), unix.EINVAL)
	}
}

// onSample consumes one device-reported timing sample. The rounded
// value is checked against a ±10% band around the nominal rate-derived
// value; out-of-band samples are discarded without touching the state,
// which protects the average from corrupt feedback. The first valid
// sample seeds the average, later ones move it by one eighth of the
// distance per update.
func (f *feedbackState) onSample(raw []byte) error {
	q, err := parseFeedback(raw)
	if err != nil {
		return err
	}

	v := (q + feedbackHalfUnit) >> feedbackFracBits

	band := f.nominal / 10
	if v < f.nominal-band || v > f.nominal+band {
		return fmt.Errorf("feedback sample %d outside sanity band around nominal %d: %w", v, f.nominal, unix.ERANGE)
	}

	f.raw = q
	f.value = v
	f.count++

	if !f.valid {
		f.avg = v
		f.valid = true
	} else {
		f.avg = (7*f.avg + v) / 8
	}

	return nil
}

// pacing returns the number of frames to pack per device frame
// interval: the smoothed feedback estimate once one exists, otherwise
// the nominal rate divided by the interval count.
func (f *feedbackState) pacing() uint32 {
	if f.valid {
		return f.avg
	}

	return f.nominal
}

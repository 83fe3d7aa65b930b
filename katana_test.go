package katana_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	katana "github.com/mrworf/katana-usb-audio"
)

func TestFormatToBits(t *testing.T) {
	t.Parallel()

	testCases := map[katana.PcmFormat]uint32{
		katana.FORMAT_INVALID: 0,
		katana.FORMAT_S16_LE:  16,
	}

	for format, expectedBits := range testCases {
		bits := katana.FormatToBits(format)
		if bits != expectedBits {
			t.Errorf("FormatToBits(%v) = %d; want %d", format, bits, expectedBits)
		}
	}
}

func TestConfigFrameSize(t *testing.T) {
	t.Parallel()

	cfg := katana.Config{Channels: 2, Format: katana.FORMAT_S16_LE}
	assert.Equal(t, uint32(4), cfg.FrameSize())

	cfg.Format = katana.FORMAT_INVALID
	assert.Equal(t, uint32(0), cfg.FrameSize())
}

func TestSupportedRates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []uint32{48000, 96000}, katana.SupportedRates())
}

func TestStreamStateNames(t *testing.T) {
	t.Parallel()

	for state := katana.STATE_OPEN; state <= katana.STATE_CLOSED; state++ {
		assert.NotEmpty(t, katana.StreamStateNames[state], "state %d has no name", state)
	}
}

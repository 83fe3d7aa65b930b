package katana_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	katana "github.com/mrworf/katana-usb-audio"
)

const (
	testVolumeMin int16 = -20480 // -80 dB in UAC units
	testVolumeMax int16 = 0
	testVolumeRes int16 = 128
)

// volumeDevice answers the feature-unit range queries with fixed
// bounds and remembers the last written volume and mute values.
func volumeDevice(conn *fakeConn) {
	conn.controlFn = func(requestType, request uint8, value, index uint16, data []byte) (int, error) {
		if requestType != katana.UAC_RT_GET_IFACE {
			return len(data), nil
		}

		var v int16
		switch request {
		case katana.UAC_GET_MIN:
			v = testVolumeMin
		case katana.UAC_GET_MAX:
			v = testVolumeMax
		case katana.UAC_GET_RES:
			v = testVolumeRes
		default:
			return len(data), nil
		}

		data[0] = byte(v)
		data[1] = byte(uint16(v) >> 8)

		return len(data), nil
	}
}

func TestControlVolumeRange(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	volumeDevice(conn)

	ctl := katana.NewControl(conn, nil, nil)

	rng, err := ctl.VolumeRange()
	require.NoError(t, err)
	assert.Equal(t, testVolumeMin, rng.Min)
	assert.Equal(t, testVolumeMax, rng.Max)
	assert.Equal(t, testVolumeRes, rng.Res)

	// The range is cached: a second call issues no further requests.
	before := len(conn.controlCalls())
	_, err = ctl.VolumeRange()
	require.NoError(t, err)
	assert.Equal(t, before, len(conn.controlCalls()))
}

func TestControlVolumeRangeFallback(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.controlFn = func(requestType, request uint8, value, index uint16, data []byte) (int, error) {
		if requestType == katana.UAC_RT_GET_IFACE {
			return 0, unix.EPIPE
		}

		return len(data), nil
	}

	ctl := katana.NewControl(conn, nil, nil)

	rng, err := ctl.VolumeRange()
	require.NoError(t, err, "range query failure falls back, does not propagate")
	assert.Equal(t, int16(-20480), rng.Min)
	assert.Equal(t, int16(0), rng.Max)
	assert.Equal(t, int16(1), rng.Res)
}

func TestControlSetVolumeRawBothChannels(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	ctl := katana.NewControl(conn, nil, nil)

	require.NoError(t, ctl.SetVolumeRaw(-1024))

	calls := conn.controlCalls()
	require.Len(t, calls, 2)

	for i, wantValue := range []uint16{0x0201, 0x0202} {
		assert.Equal(t, katana.UAC_RT_SET_IFACE, calls[i].requestType)
		assert.Equal(t, katana.UAC_SET_CUR, calls[i].request)
		assert.Equal(t, wantValue, calls[i].value)
		assert.Equal(t, uint16(0x0100), calls[i].index)
		assert.Equal(t, []byte{0x00, 0xfc}, calls[i].data)
	}
}

func TestControlSetVolumePercent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	volumeDevice(conn)

	ctl := katana.NewControl(conn, nil, nil)

	require.NoError(t, ctl.SetVolumePercent(50))

	// Linear midpoint quantized to the device resolution: -10240 is an
	// exact multiple of 128 away from the minimum.
	var want int16 = -10240
	wantData := []byte{byte(want), byte(uint16(want) >> 8)}

	var sets []controlCall
	for _, c := range conn.controlCalls() {
		if c.requestType == katana.UAC_RT_SET_IFACE && c.value>>8 == uint16(katana.UAC_FU_VOLUME) {
			sets = append(sets, c)
		}
	}
	require.Len(t, sets, 2)
	assert.Equal(t, wantData, sets[0].data)
	assert.Equal(t, wantData, sets[1].data)

	// A non-zero volume also unmutes.
	last := conn.controlCalls()[len(conn.controlCalls())-1]
	assert.Equal(t, uint16(katana.UAC_FU_MUTE)<<8, last.value)
	assert.Equal(t, []byte{1}, last.data)
}

func TestControlSetVolumePercentClamps(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	volumeDevice(conn)

	ctl := katana.NewControl(conn, nil, nil)

	minVal, maxVal := testVolumeMin, testVolumeMax

	require.NoError(t, ctl.SetVolumePercent(0))

	calls := conn.controlCalls()
	set := calls[len(calls)-1]
	assert.Equal(t, []byte{byte(minVal), byte(uint16(minVal) >> 8)}, set.data,
		"zero percent sets the range minimum")

	require.NoError(t, ctl.SetVolumePercent(150))

	calls = conn.controlCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, uint16(katana.UAC_FU_MUTE)<<8, last.value, "over 100 unmutes too")
	set = calls[len(calls)-2]
	assert.Equal(t, []byte{byte(maxVal), byte(uint16(maxVal) >> 8)}, set.data,
		"over 100 percent sets the range maximum")
}

func TestControlMuteInvertedOnWire(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	ctl := katana.NewControl(conn, nil, nil)

	require.NoError(t, ctl.SetMute(true))
	require.NoError(t, ctl.SetMute(false))

	calls := conn.controlCalls()
	require.Len(t, calls, 2)

	assert.Equal(t, uint16(katana.UAC_FU_MUTE)<<8, calls[0].value)
	assert.Equal(t, uint16(0x0100), calls[0].index)
	assert.Equal(t, []byte{0}, calls[0].data, "muted is 0 on the wire")
	assert.Equal(t, []byte{1}, calls[1].data, "unmuted is 1 on the wire")

	conn.controlFn = func(requestType, request uint8, value, index uint16, data []byte) (int, error) {
		data[0] = 0

		return 1, nil
	}

	muted, err := ctl.Muted()
	require.NoError(t, err)
	assert.True(t, muted)
}

func TestControlSampleRateReadback(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.controlFn = func(requestType, request uint8, value, index uint16, data []byte) (int, error) {
		if requestType == katana.UAC_RT_GET_EP && request == katana.UAC_GET_CUR {
			data[0] = 0x00
			data[1] = 0x77
			data[2] = 0x01 // 96000

			return 3, nil
		}

		return len(data), nil
	}

	ctl := katana.NewControl(conn, nil, nil)

	rate, err := ctl.SampleRate()
	require.NoError(t, err)
	assert.Equal(t, uint32(96000), rate)

	calls := conn.controlCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, uint16(katana.UAC_EP_SAMPLING_FREQ)<<8, calls[0].value)
	assert.Equal(t, uint16(katana.DataOutEndpoint), calls[0].index)
}

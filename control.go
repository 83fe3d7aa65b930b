package katana

import (
	"fmt"
	"log/slog"
	"sync"
)

// Fallback volume range, used when the device refuses the range query.
const (
	fallbackVolumeMin int16 = -20480
	fallbackVolumeMax int16 = 0
	fallbackVolumeRes int16 = 1
)

// VolumeRange describes the device-reported volume bounds and step, in
// the device's raw 16-bit units.
type VolumeRange struct {
	Min int16
	Max int16
	Res int16
}

// Control drives the mixer-style feature-unit requests on the
// AudioControl interface: simple synchronous request/response
// exchanges with no concurrency of their own.
type Control struct {
	conn   DeviceConn
	gate   *Gate
	logger *slog.Logger

	mu       sync.Mutex
	rng      VolumeRange
	rngValid bool
}

// NewControl binds a control handle to the device connection. A nil
// gate gets a private one.
func NewControl(conn DeviceConn, gate *Gate, logger *slog.Logger) *Control {
	if gate == nil {
		gate = new(Gate)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Control{conn: conn, gate: gate, logger: logger}
}

// selector packs a control-and-channel pair into wValue.
func selector(control, channel uint8) uint16 {
	return uint16(control)<<8 | uint16(channel)
}

// unitIndex packs a unit-and-interface pair into wIndex.
func unitIndex(unit, iface uint8) uint16 {
	return uint16(unit)<<8 | uint16(iface)
}

// VolumeRange queries GET_MIN, GET_MAX and GET_RES for the speaker
// feature unit. Individual query failures fall back to conservative
// defaults rather than failing the whole call; the result is cached.
func (c *Control) VolumeRange() (VolumeRange, error) {
	if err := c.gate.Enter(); err != nil {
		return VolumeRange{}, err
	}
	defer c.gate.Exit()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.volumeRangeLocked(), nil
}

func (c *Control) volumeRangeLocked() VolumeRange {
	if c.rngValid {
		return c.rng
	}

	query := func(request uint8, fallback int16) int16 {
		buf := make([]byte, 2)

		_, err := c.conn.Control(UAC_RT_GET_IFACE, request,
			selector(UAC_FU_VOLUME, 1), unitIndex(FeatureUnitID, ControlInterface),
			buf, ControlTimeout)
		if err != nil {
			c.logger.Warn("volume range query failed, using fallback", "request", request, "error", err)

			return fallback
		}

		return int16(uint16(buf[0]) | uint16(buf[1])<<8)
	}

	c.rng = VolumeRange{
		Min: query(UAC_GET_MIN, fallbackVolumeMin),
		Max: query(UAC_GET_MAX, fallbackVolumeMax),
		Res: query(UAC_GET_RES, fallbackVolumeRes),
	}
	c.rngValid = true

	return c.rng
}

// SetVolumeRaw sets the raw device volume on both channels.
func (c *Control) SetVolumeRaw(value int16) error {
	if err := c.gate.Enter(); err != nil {
		return err
	}
	defer c.gate.Exit()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.setVolumeRawLocked(value)
}

func (c *Control) setVolumeRawLocked(value int16) error {
	payload := []byte{byte(value), byte(uint16(value) >> 8)}

	for _, channel := range []uint8{1, 2} {
		_, err := c.conn.Control(UAC_RT_SET_IFACE, UAC_SET_CUR,
			selector(UAC_FU_VOLUME, channel), unitIndex(FeatureUnitID, ControlInterface),
			payload, ControlTimeout)
		if err != nil {
			return fmt.Errorf("setting volume on channel %d: %w", channel, err)
		}
	}

	return nil
}

// VolumeRaw reads the raw device volume from the left channel.
func (c *Control) VolumeRaw() (int16, error) {
	if err := c.gate.Enter(); err != nil {
		return 0, err
	}
	defer c.gate.Exit()

	buf := make([]byte, 2)

	_, err := c.conn.Control(UAC_RT_GET_IFACE, UAC_GET_CUR,
		selector(UAC_FU_VOLUME, 1), unitIndex(FeatureUnitID, ControlInterface),
		buf, ControlTimeout)
	if err != nil {
		return 0, fmt.Errorf("reading volume: %w", err)
	}

	return int16(uint16(buf[0]) | uint16(buf[1])<<8), nil
}

// SetVolumePercent maps a 0-100 percentage linearly onto the
// device-reported range, quantized to the device resolution, and sets
// it on both channels. A non-zero volume also unmutes the device.
func (c *Control) SetVolumePercent(percent int) error {
	if err := c.gate.Enter(); err != nil {
		return err
	}
	defer c.gate.Exit()

	c.mu.Lock()
	rng := c.volumeRangeLocked()

	var value int16
	switch {
	case percent <= 0:
		value = rng.Min
	case percent >= 100:
		value = rng.Max
	default:
		raw := int32(rng.Min) + int32(percent)*(int32(rng.Max)-int32(rng.Min))/100

		if rng.Res > 1 {
			steps := (raw - int32(rng.Min) + int32(rng.Res)/2) / int32(rng.Res)
			raw = int32(rng.Min) + steps*int32(rng.Res)
		}

		value = int16(raw)
	}

	err := c.setVolumeRawLocked(value)
	c.mu.Unlock()

	if err != nil {
		return err
	}

	if percent > 0 {
		return c.setMute(false)
	}

	return nil
}

// VolumePercent reads the device volume and maps it back onto 0-100.
func (c *Control) VolumePercent() (int, error) {
	if err := c.gate.Enter(); err != nil {
		return 0, err
	}
	defer c.gate.Exit()

	c.mu.Lock()
	rng := c.volumeRangeLocked()
	c.mu.Unlock()

	raw, err := c.VolumeRaw()
	if err != nil {
		return 0, err
	}

	switch {
	case raw <= rng.Min:
		return 0, nil
	case raw >= rng.Max:
		return 100, nil
	default:
		return int((int32(raw) - int32(rng.Min)) * 100 / (int32(rng.Max) - int32(rng.Min))), nil
	}
}

// SetMute mutes or unmutes the master channel. The device uses
// inverted logic on the wire: 0 means muted, 1 means unmuted.
func (c *Control) SetMute(mute bool) error {
	if err := c.gate.Enter(); err != nil {
		return err
	}
	defer c.gate.Exit()

	return c.setMute(mute)
}

func (c *Control) setMute(mute bool) error {
	payload := []byte{1}
	if mute {
		payload[0] = 0
	}

	_, err := c.conn.Control(UAC_RT_SET_IFACE, UAC_SET_CUR,
		selector(UAC_FU_MUTE, 0), unitIndex(FeatureUnitID, ControlInterface),
		payload, ControlTimeout)
	if err != nil {
		return fmt.Errorf("setting mute: %w", err)
	}

	return nil
}

// Muted reads back the master mute state.
func (c *Control) Muted() (bool, error) {
	if err := c.gate.Enter(); err != nil {
		return false, err
	}
	defer c.gate.Exit()

	buf := make([]byte, 1)

	_, err := c.conn.Control(UAC_RT_GET_IFACE, UAC_GET_CUR,
		selector(UAC_FU_MUTE, 0), unitIndex(FeatureUnitID, ControlInterface),
		buf, ControlTimeout)
	if err != nil {
		return false, fmt.Errorf("reading mute: %w", err)
	}

	return buf[0] == 0, nil
}

// setSampleRate issues the clock-rate request to the streaming
// endpoint as a 3-byte little-endian value.
func setSampleRate(conn DeviceConn, endpoint uint8, rate uint32) error {
	payload := []byte{byte(rate), byte(rate >> 8), byte(rate >> 16)}

	_, err := conn.Control(UAC_RT_SET_EP, UAC_SET_CUR,
		selector(UAC_EP_SAMPLING_FREQ, 0), uint16(endpoint),
		payload, ControlTimeout)
	if err != nil {
		return fmt.Errorf("setting sampling frequency: %w", err)
	}

	return nil
}

// getSampleRate reads the endpoint's current sampling frequency back.
func getSampleRate(conn DeviceConn, endpoint uint8) (uint32, error) {
	buf := make([]byte, 3)

	_, err := conn.Control(UAC_RT_GET_EP, UAC_GET_CUR,
		selector(UAC_EP_SAMPLING_FREQ, 0), uint16(endpoint),
		buf, ControlTimeout)
	if err != nil {
		return 0, fmt.Errorf("reading sampling frequency: %w", err)
	}

	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16, nil
}

// SampleRate reads the streaming endpoint's negotiated clock rate.
func (c *Control) SampleRate() (uint32, error) {
	if err := c.gate.Enter(); err != nil {
		return 0, err
	}
	defer c.gate.Exit()

	return getSampleRate(c.conn, DataOutEndpoint)
}

// Package katana streams PCM audio to a Creative SoundBlaster X Katana
// over USB isochronous transfers, keeping the host and device clocks in
// sync via the device's feedback endpoint.
package katana

import "time"

// PcmFormat defines the sample format for the playback stream.
// The Katana exposes exactly one stereo S16_LE configuration per sample
// rate, so the set is small and fixed.
type PcmFormat int32

const (
	FORMAT_INVALID PcmFormat = -1
	FORMAT_S16_LE  PcmFormat = 0
)

// StreamState defines the lifecycle state of a playback stream.
type StreamState int32

const (
	STATE_OPEN       StreamState = 0 // Stream is open, no parameters set.
	STATE_CONFIGURED StreamState = 1 // Hardware parameters set, buffers allocated.
	STATE_PREPARED   StreamState = 2 // Device interface activated, clock negotiated.
	STATE_RUNNING    StreamState = 3 // Transfers in flight.
	STATE_PAUSED     StreamState = 4 // Transfers in flight, data flow suspended.
	STATE_STOPPED    StreamState = 5 // Transfers cancelled.
	STATE_CLOSED     StreamState = 6 // Resources released.
)

// StreamStateNames provides human-readable names for stream states.
var StreamStateNames = map[StreamState]string{
	STATE_OPEN:       "OPEN",
	STATE_CONFIGURED: "CONFIGURED",
	STATE_PREPARED:   "PREPARED",
	STATE_RUNNING:    "RUNNING",
	STATE_PAUSED:     "PAUSED",
	STATE_STOPPED:    "STOPPED",
	STATE_CLOSED:     "CLOSED",
}

// TransferStatus classifies a completed transfer.
type TransferStatus int32

const (
	// TRANSFER_OK indicates the transfer completed and its packet
	// sub-descriptors carry valid actual lengths.
	TRANSFER_OK TransferStatus = 0
	// TRANSFER_CANCELLED indicates the transfer was deliberately
	// unlinked. Treated as normal shutdown, never as an error.
	TRANSFER_CANCELLED TransferStatus = 1
	// TRANSFER_FAULT indicates a hardware or protocol error. The
	// transfer is dropped and not resubmitted.
	TRANSFER_FAULT TransferStatus = 2
)

// USB Audio Class 1.0 class-specific request codes.
const (
	UAC_SET_CUR uint8 = 0x01
	UAC_GET_CUR uint8 = 0x81
	UAC_GET_MIN uint8 = 0x82
	UAC_GET_MAX uint8 = 0x83
	UAC_GET_RES uint8 = 0x84
)

// bmRequestType values for class-specific requests.
const (
	UAC_RT_SET_IFACE uint8 = 0x21 // Class request, interface recipient, host-to-device
	UAC_RT_GET_IFACE uint8 = 0xA1 // Class request, interface recipient, device-to-host
	UAC_RT_SET_EP    uint8 = 0x22 // Class request, endpoint recipient, host-to-device
	UAC_RT_GET_EP    uint8 = 0xA2 // Class request, endpoint recipient, device-to-host
)

// Feature Unit control selectors (high byte of wValue).
const (
	UAC_FU_MUTE   uint8 = 0x01
	UAC_FU_VOLUME uint8 = 0x02
)

// UAC_EP_SAMPLING_FREQ is the endpoint control selector for the
// sampling frequency, carried as a 3-byte little-endian value.
const UAC_EP_SAMPLING_FREQ uint8 = 0x01

// Katana interface and endpoint topology. The device exposes an
// AudioControl interface and an AudioStreaming interface; the
// streaming interface carries the isochronous data-out endpoint and
// the feedback-in endpoint.
const (
	ControlInterface   = 0
	StreamingInterface = 1

	DataOutEndpoint  uint8 = 0x01
	FeedbackEndpoint uint8 = 0x81

	// FeatureUnitID addresses the speaker output feature unit for
	// volume and mute requests.
	FeatureUnitID = 1
)

// Streaming geometry. Six data transfers are kept in flight, each
// carrying eight 1 ms packets, plus one dedicated feedback transfer.
const (
	DataTransferCount  = 6
	PacketsPerTransfer = 8
	IntervalsPerSecond = 1000
)

// ControlTimeout bounds every synchronous class-specific request.
const ControlTimeout = 1000 * time.Millisecond

// DisconnectTimeout bounds the quiescence drain performed when the
// device is removed while operations are in flight.
const DisconnectTimeout = 10 * time.Second

// altSettingForRate maps each supported sample rate to the alternate
// setting of the streaming interface that carries it. Any rate outside
// this table is rejected.
var altSettingForRate = map[uint32]int{
	48000: 1,
	96000: 2,
}

// SupportedRates lists the sample rates the device exposes a streaming
// alternate setting for.
func SupportedRates() []uint32 {
	return []uint32{48000, 96000}
}

// FormatToBits returns the number of bits per sample for a format.
func FormatToBits(f PcmFormat) uint32 {
	switch f {
	case FORMAT_S16_LE:
		return 16
	default:
		return 0
	}
}

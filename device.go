package katana

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Sentinel errors for the failure taxonomy. All wrap the matching errno
// so callers can test with errors.Is against either form.
var (
	// ErrDeviceGone is returned when the device handle is invalid or a
	// disconnect is in progress. Never retried internally.
	ErrDeviceGone = fmt.Errorf("no such device: %w", unix.ENODEV)

	// ErrNoMemory is returned when buffer or descriptor allocation
	// fails. Partial allocations from the same attempt are rolled back.
	ErrNoMemory = fmt.Errorf("out of memory: %w", unix.ENOMEM)

	// ErrBadConfig is returned for constraint violations. Rejected
	// before any allocation, no state is changed.
	ErrBadConfig = fmt.Errorf("invalid configuration: %w", unix.EINVAL)

	// ErrShortCopy is returned when application data could not be moved
	// into the ring in full. Cursors are not advanced past the commit.
	ErrShortCopy = fmt.Errorf("short copy: %w", unix.EFAULT)
)

// IsoPacket is one fixed-interval slice within an isochronous transfer,
// with its own offset, requested length and completed actual length
// inside the transfer buffer.
type IsoPacket struct {
	Offset int
	Length int
	Actual int
}

// FeedbackSlot tags the dedicated feedback transfer. Data transfers are
// tagged with their pool slot index, counting from zero.
const FeedbackSlot = -1

// Transfer is one scheduled unit of data movement to or from the
// device: the device-accessible buffer region together with its
// descriptor state. A transfer is either idle, submitted, or being
// completed; the session lock plus the single-consumer completion
// channel guarantee it is never mutated by two contexts at once.
type Transfer struct {
	// Endpoint is the target endpoint address (OUT for data,
	// IN 0x8x for feedback).
	Endpoint uint8

	// Buffer is the device-accessible memory region. Owned by the
	// transfer buffer pool; no other component may free it.
	Buffer []byte

	// Packets holds the isochronous packet sub-descriptors. Empty for
	// non-isochronous transfers.
	Packets []IsoPacket

	// Status is valid after the transfer appears on the completion
	// channel.
	Status TransferStatus

	// Actual is the total number of bytes moved, summed across packet
	// sub-descriptors for isochronous transfers.
	Actual int

	// Slot identifies the pool slot this transfer belongs to, or
	// FeedbackSlot for the feedback transfer.
	Slot int

	// owner is the pool whose in-flight accounting this transfer
	// participates in.
	owner *transferPool
}

// TotalLength returns the number of requested bytes across all packet
// sub-descriptors, or the buffer length for non-isochronous transfers.
func (t *Transfer) TotalLength() int {
	if len(t.Packets) == 0 {
		return len(t.Buffer)
	}

	total := 0
	for i := range t.Packets {
		total += t.Packets[i].Length
	}

	return total
}

// granted returns the number of bytes the device actually consumed.
func (t *Transfer) granted() int {
	if len(t.Packets) == 0 {
		return t.Actual
	}

	total := 0
	for i := range t.Packets {
		total += t.Packets[i].Actual
	}

	return total
}

// DeviceConn is the boundary to one USB device handle. The handle is
// owned by whoever performed enumeration; sessions hold it weakly and
// re-check validity before every access. Implementations must deliver
// every submitted transfer exactly once on the completion channel,
// including transfers that were cancelled. A transfer that can no
// longer be delivered because the connection is closing must still
// settle its pool accounting, so a blocking pool release never waits
// on a completion the consumer will not see.
type DeviceConn interface {
	// Control performs a synchronous class-specific request on the
	// default control pipe. May block up to the timeout; must not be
	// called with the session lock held.
	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// SetAltSetting activates one of the predefined alternate
	// configurations of an interface. Blocking; process context only.
	SetAltSetting(iface, alt int) error

	// Submit queues an asynchronous transfer and returns immediately.
	// The completed transfer is later delivered on Completions with
	// its Status and packet actual lengths filled in.
	Submit(t *Transfer) error

	// Cancel requests cancellation of an in-flight transfer without
	// blocking. The transfer still completes, with TRANSFER_CANCELLED.
	// Cancelling a transfer that is not in flight is a no-op.
	Cancel(t *Transfer) error

	// Completions returns the single-consumer channel completed
	// transfers are delivered on.
	Completions() <-chan *Transfer

	// Close releases the handle. In-flight transfers are discarded.
	Close() error
}

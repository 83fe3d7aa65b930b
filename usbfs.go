//go:build linux

package katana

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	usbfsURBTypeIso = 0

	// Schedule the transfer in the first available frame.
	usbfsURBIsoASAP = 0x0002

	// Detach any kernel driver except usbfs before claiming.
	usbfsDisconnectExceptDriver = 0x0002
)

// usbfsCtrlTransfer mirrors struct usbdevfs_ctrltransfer.
type usbfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        uintptr
}

// usbfsSetInterface mirrors struct usbdevfs_setinterface.
type usbfsSetInterface struct {
	Interface  uint32
	AltSetting uint32
}

// usbfsDisconnectClaim mirrors struct usbdevfs_disconnect_claim.
type usbfsDisconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

// usbfsIsoPacketDesc mirrors struct usbdevfs_iso_packet_desc.
type usbfsIsoPacketDesc struct {
	Length       uint32
	ActualLength uint32
	Status       uint32
}

// usbfsURB mirrors the fixed head of struct usbdevfs_urb. The
// variable-length packet descriptor array follows it in memory, so
// every URB is carved out of a single allocation.
type usbfsURB struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          uintptr
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	Signr           uint32
	UserContext     uintptr
}

// urbRecord pins one in-flight URB: the raw allocation holding header
// plus descriptors, and the Transfer it carries. The pending map keeps
// both alive until the kernel hands the URB back.
type urbRecord struct {
	raw []byte
	t   *Transfer
}

// usbConn is the usbfs-backed device connection. A dedicated reaper
// goroutine turns kernel URB completions into Transfer values on the
// completions channel; it is the only writer of that channel.
type usbConn struct {
	fd          int
	logger      *slog.Logger
	completions chan *Transfer
	done        chan struct{}

	mu      sync.Mutex
	pending map[uintptr]*urbRecord
	closed  bool
}

// Open opens the usbfs device node at path (for example
// /dev/bus/usb/001/004), detaches the kernel audio driver, claims the
// control and streaming interfaces and starts the completion reaper.
func Open(path string, logger *slog.Logger) (DeviceConn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	c := &usbConn{
		fd:          fd,
		logger:      logger,
		completions: make(chan *Transfer, DataTransferCount+2),
		done:        make(chan struct{}),
		pending:     make(map[uintptr]*urbRecord),
	}

	for _, iface := range []uint32{ControlInterface, StreamingInterface} {
		if err := c.claimInterface(iface); err != nil {
			unix.Close(fd)

			return nil, fmt.Errorf("claiming interface %d: %w", iface, err)
		}
	}

	go c.reapLoop()

	return c, nil
}

// claimInterface detaches any bound kernel driver and claims the
// interface, falling back to a plain claim on kernels without
// DISCONNECT_CLAIM.
func (c *usbConn) claimInterface(iface uint32) error {
	dc := usbfsDisconnectClaim{Interface: iface, Flags: usbfsDisconnectExceptDriver}
	copy(dc.Driver[:], "usbfs")

	err := ioctl(uintptr(c.fd), USBDEVFS_DISCONNECT_CLAIM, uintptr(unsafe.Pointer(&dc)))
	if err == nil {
		return nil
	}

	num := iface

	return ioctl(uintptr(c.fd), USBDEVFS_CLAIMINTERFACE, uintptr(unsafe.Pointer(&num)))
}

// Control performs a synchronous control transfer on endpoint zero.
func (c *usbConn) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	ctrl := usbfsCtrlTransfer{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     uint32(timeout / time.Millisecond),
	}
	if len(data) > 0 {
		ctrl.Data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := ioctlRet(uintptr(c.fd), USBDEVFS_CONTROL, uintptr(unsafe.Pointer(&ctrl)))
	if err != nil {
		return 0, fmt.Errorf("control transfer 0x%02x/0x%02x: %w", requestType, request, err)
	}

	return n, nil
}

// SetAltSetting selects an alternate setting on an interface.
func (c *usbConn) SetAltSetting(iface, alt int) error {
	si := usbfsSetInterface{Interface: uint32(iface), AltSetting: uint32(alt)}

	err := ioctl(uintptr(c.fd), USBDEVFS_SETINTERFACE, uintptr(unsafe.Pointer(&si)))
	if err != nil {
		return fmt.Errorf("setting interface %d alt %d: %w", iface, alt, err)
	}

	return nil
}

// Submit hands an isochronous transfer to the kernel. The URB and its
// descriptors stay pinned in the pending map until reaped.
func (c *usbConn) Submit(t *Transfer) error {
	rec := buildURB(t, t.Endpoint)
	key := uintptr(unsafe.Pointer(&rec.raw[0]))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return fmt.Errorf("submitting transfer: %w", unix.ENODEV)
	}
	c.pending[key] = rec
	c.mu.Unlock()

	if err := ioctl(uintptr(c.fd), USBDEVFS_SUBMITURB, key); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()

		return fmt.Errorf("submitting urb on endpoint 0x%02x: %w", t.Endpoint, err)
	}

	return nil
}

// buildURB lays the URB header and packet descriptors into one
// allocation, matching the kernel's variable-length layout.
func buildURB(t *Transfer, endpoint uint8) *urbRecord {
	headSize := unsafe.Sizeof(usbfsURB{})
	descSize := unsafe.Sizeof(usbfsIsoPacketDesc{})

	packets := len(t.Packets)
	if t.Slot == FeedbackSlot {
		packets = 1
	}

	raw := make([]byte, headSize+uintptr(packets)*descSize)
	u := (*usbfsURB)(unsafe.Pointer(&raw[0]))

	u.Type = usbfsURBTypeIso
	u.Endpoint = endpoint
	u.Flags = usbfsURBIsoASAP
	u.NumberOfPackets = int32(packets)

	total := 0
	for i := 0; i < packets; i++ {
		desc := (*usbfsIsoPacketDesc)(unsafe.Pointer(&raw[headSize+uintptr(i)*descSize]))

		if t.Slot == FeedbackSlot {
			desc.Length = uint32(len(t.Buffer))
		} else {
			desc.Length = uint32(t.Packets[i].Length)
		}

		total += int(desc.Length)
	}

	u.BufferLength = int32(total)
	if len(t.Buffer) > 0 {
		u.Buffer = uintptr(unsafe.Pointer(&t.Buffer[0]))
	}

	return &urbRecord{raw: raw, t: t}
}

// Cancel discards a pending URB. The kernel still delivers the URB
// through the reaper with a cancelled status, so the in-flight
// accounting settles through the normal completion path.
func (c *usbConn) Cancel(t *Transfer) error {
	c.mu.Lock()
	var key uintptr
	for k, rec := range c.pending {
		if rec.t == t {
			key = k

			break
		}
	}
	c.mu.Unlock()

	if key == 0 {
		return nil
	}

	err := ioctl(uintptr(c.fd), USBDEVFS_DISCARDURB, key)
	if err != nil && err != unix.EINVAL {
		return fmt.Errorf("discarding urb: %w", err)
	}

	return nil
}

// Completions returns the channel carrying finished transfers.
func (c *usbConn) Completions() <-chan *Transfer {
	return c.completions
}

// Close shuts the connection down. Closing the file descriptor makes
// the kernel discard every pending URB and unblocks the reaper, which
// then closes the completions channel.
func (c *usbConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	return unix.Close(c.fd)
}

// reapLoop blocks in REAPURB and translates each returned URB back
// into its Transfer. It exits when the fd is closed or the device
// disappears.
func (c *usbConn) reapLoop() {
	defer close(c.completions)

	for {
		var key uintptr

		err := ioctl(uintptr(c.fd), USBDEVFS_REAPURB, uintptr(unsafe.Pointer(&key)))
		if err != nil {
			if err != unix.ENODEV && err != unix.EBADF && err != unix.ENOENT {
				c.logger.Warn("urb reap failed", "error", err)
			}

			c.failPending()

			return
		}

		c.mu.Lock()
		rec := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()

		if rec == nil {
			c.logger.Warn("reaped unknown urb", "urb", key)

			continue
		}

		c.deliver(rec)
	}
}

// deliver copies URB results into the Transfer and hands it to the
// consumer. The send yields if the connection is shutting down so the
// reaper can never wedge on a full channel.
func (c *usbConn) deliver(rec *urbRecord) {
	headSize := unsafe.Sizeof(usbfsURB{})
	descSize := unsafe.Sizeof(usbfsIsoPacketDesc{})

	u := (*usbfsURB)(unsafe.Pointer(&rec.raw[0]))
	t := rec.t

	switch u.Status {
	case 0:
		t.Status = TRANSFER_OK
	case -int32(unix.ENOENT), -int32(unix.ECONNRESET):
		t.Status = TRANSFER_CANCELLED
	default:
		t.Status = TRANSFER_FAULT
	}

	total := 0
	for i := int32(0); i < u.NumberOfPackets; i++ {
		desc := (*usbfsIsoPacketDesc)(unsafe.Pointer(&rec.raw[headSize+uintptr(i)*descSize]))

		if t.Slot == FeedbackSlot {
			total = int(desc.ActualLength)
		} else if int(i) < len(t.Packets) {
			t.Packets[i].Actual = int(desc.ActualLength)
			total += int(desc.ActualLength)
		}
	}
	t.Actual = total

	select {
	case c.completions <- t:
	case <-c.done:
		// The consumer is gone mid-close, so nothing will dequeue this
		// transfer. Settle its in-flight accounting here; a pool
		// release racing Close must not wait forever.
		if t.owner != nil {
			t.owner.completed()
		}
	}
}

// failPending marks every still-pending transfer cancelled and pushes
// it through the completion channel, so pool accounting drains even
// when the reaper dies mid-stream.
func (c *usbConn) failPending() {
	c.mu.Lock()
	records := make([]*urbRecord, 0, len(c.pending))
	for k, rec := range c.pending {
		records = append(records, rec)
		delete(c.pending, k)
	}
	c.mu.Unlock()

	for _, rec := range records {
		rec.t.Status = TRANSFER_CANCELLED
		rec.t.Actual = 0

		select {
		case c.completions <- rec.t:
		case <-c.done:
			if rec.t.owner != nil {
				rec.t.owner.completed()
			}
		}
	}
}

package katana

import "sync"

// maxTransferBytes caps the device-accessible region of a single
// transfer, matching the usbfs limit on one URB's buffer.
const maxTransferBytes = 64 * 1024

// transferPool owns the fixed set of device-accessible buffers and
// their transfer descriptors: the data slots plus the dedicated
// feedback slot. The pool exclusively owns this memory; release is the
// only way it is freed.
type transferPool struct {
	conn     DeviceConn
	slots    []*Transfer
	feedback *Transfer
	bytes    int // bytes per data slot

	inflight sync.WaitGroup
	mu       sync.Mutex
	released bool
}

// newTransferPool allocates slotCount data slots of bytesPerSlot bytes
// with packets sub-descriptors each, plus the feedback slot. The
// allocation is all-or-nothing: a rejected slot releases everything
// allocated by this call before the error is returned.
func newTransferPool(conn DeviceConn, slotCount, bytesPerSlot, packets int) (*transferPool, error) {
	if slotCount <= 0 || packets <= 0 || bytesPerSlot <= 0 {
		return nil, ErrBadConfig
	}

	p := &transferPool{
		conn:  conn,
		slots: make([]*Transfer, 0, slotCount),
		bytes: bytesPerSlot,
	}

	for i := 0; i < slotCount; i++ {
		if bytesPerSlot > maxTransferBytes {
			p.release()

			return nil, ErrNoMemory
		}

		p.slots = append(p.slots, &Transfer{
			Endpoint: DataOutEndpoint,
			Buffer:   make([]byte, bytesPerSlot),
			Packets:  make([]IsoPacket, packets),
			Slot:     i,
			owner:    p,
		})
	}

	// The feedback sample is at most 4 bytes.
	p.feedback = &Transfer{
		Endpoint: FeedbackEndpoint,
		Buffer:   make([]byte, 4),
		Slot:     FeedbackSlot,
		owner:    p,
	}

	return p, nil
}

// submit queues a transfer on the device and counts it as in flight.
// Submitting on a released pool fails: its memory is already gone.
func (p *transferPool) submit(t *Transfer) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()

		return ErrDeviceGone
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	if err := p.conn.Submit(t); err != nil {
		p.inflight.Done()

		return err
	}

	return nil
}

// completed balances submit. It must be called exactly once for every
// transfer dequeued from the completion channel.
func (p *transferPool) completed() {
	p.inflight.Done()
}

// cancelAll requests cancellation of every slot without blocking.
// Cancelled transfers still flow through the completion channel.
func (p *transferPool) cancelAll() {
	for _, t := range p.slots {
		_ = p.conn.Cancel(t)
	}

	if p.feedback != nil {
		_ = p.conn.Cancel(p.feedback)
	}
}

// release cancels every in-flight transfer, blocks until the hardware
// has acknowledged each cancellation or completion, then frees the
// regions. Safe to call on a pool that was never fully allocated or
// was already released.
func (p *transferPool) release() {
	if p == nil {
		return
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()

		return
	}
	p.released = true
	p.mu.Unlock()

	p.cancelAll()
	p.inflight.Wait()

	p.slots = nil
	p.feedback = nil
}

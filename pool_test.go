package katana

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn implements just enough of DeviceConn for pool accounting
// tests. Cancelled transfers are not delivered anywhere; the test
// balances the in-flight count by calling completed itself.
type stubConn struct {
	mu        sync.Mutex
	submitted []*Transfer
	cancelled []*Transfer
	ch        chan *Transfer
}

func newStubConn() *stubConn {
	return &stubConn{ch: make(chan *Transfer, 16)}
}

func (c *stubConn) Control(_, _ uint8, _, _ uint16, data []byte, _ time.Duration) (int, error) {
	return len(data), nil
}

func (c *stubConn) SetAltSetting(_, _ int) error { return nil }

func (c *stubConn) Submit(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.submitted = append(c.submitted, t)

	return nil
}

func (c *stubConn) Cancel(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = append(c.cancelled, t)

	return nil
}

func (c *stubConn) Completions() <-chan *Transfer { return c.ch }

func (c *stubConn) Close() error { return nil }

func TestPoolAllocationShape(t *testing.T) {
	t.Parallel()

	p, err := newTransferPool(newStubConn(), DataTransferCount, 1760, PacketsPerTransfer)
	require.NoError(t, err)
	defer p.release()

	require.Len(t, p.slots, DataTransferCount)

	for i, tr := range p.slots {
		assert.Equal(t, i, tr.Slot)
		assert.Equal(t, DataOutEndpoint, tr.Endpoint)
		assert.Len(t, tr.Buffer, 1760)
		assert.Len(t, tr.Packets, PacketsPerTransfer)
		assert.Same(t, p, tr.owner)
	}

	require.NotNil(t, p.feedback)
	assert.Equal(t, FeedbackSlot, p.feedback.Slot)
	assert.Equal(t, FeedbackEndpoint, p.feedback.Endpoint)
	assert.Len(t, p.feedback.Buffer, 4)
}

func TestPoolRejectsBadShape(t *testing.T) {
	t.Parallel()

	conn := newStubConn()

	_, err := newTransferPool(conn, 0, 1760, PacketsPerTransfer)
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = newTransferPool(conn, DataTransferCount, 0, PacketsPerTransfer)
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = newTransferPool(conn, DataTransferCount, maxTransferBytes+1, PacketsPerTransfer)
	assert.ErrorIs(t, err, ErrNoMemory, "oversize slot must fail the whole allocation")
}

func TestPoolSubmitAfterReleaseFails(t *testing.T) {
	t.Parallel()

	conn := newStubConn()
	p, err := newTransferPool(conn, DataTransferCount, 1760, PacketsPerTransfer)
	require.NoError(t, err)

	tr := p.slots[0]
	p.release()

	err = p.submit(tr)
	assert.ErrorIs(t, err, ErrDeviceGone)
	assert.Empty(t, conn.submitted)
}

func TestPoolReleaseWaitsForInflight(t *testing.T) {
	t.Parallel()

	conn := newStubConn()
	p, err := newTransferPool(conn, DataTransferCount, 1760, PacketsPerTransfer)
	require.NoError(t, err)

	require.NoError(t, p.submit(p.slots[0]))
	require.NoError(t, p.submit(p.slots[1]))

	released := make(chan struct{})
	go func() {
		p.release()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("release returned with transfers still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Release has requested cancellation of every slot.
	conn.mu.Lock()
	cancels := len(conn.cancelled)
	conn.mu.Unlock()
	assert.Equal(t, DataTransferCount+1, cancels)

	p.completed()
	p.completed()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release never returned after the last completion")
	}

	assert.Nil(t, p.slots)
	assert.Nil(t, p.feedback)

	p.release() // idempotent
}

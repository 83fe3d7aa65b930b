package katana_test

import (
	"sync"
	"time"

	katana "github.com/mrworf/katana-usb-audio"
)

// controlCall records one control request seen by the fake connection.
type controlCall struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	data        []byte
}

// fakeConn is an in-memory DeviceConn. Submissions never block; the
// test drives completions explicitly through complete(). Cancel
// delivers the transfer back with a cancelled status, mirroring how
// the kernel discards a URB.
type fakeConn struct {
	mu          sync.Mutex
	controls    []controlCall
	controlFn   func(requestType, request uint8, value, index uint16, data []byte) (int, error)
	altSettings [][2]int
	submitted   []*katana.Transfer
	submitErr   error
	inflight    map[*katana.Transfer]bool
	completions chan *katana.Transfer
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inflight:    make(map[*katana.Transfer]bool),
		completions: make(chan *katana.Transfer, 64),
	}
}

func (f *fakeConn) Control(requestType, request uint8, value, index uint16, data []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	fn := f.controlFn
	f.mu.Unlock()

	var (
		n   = len(data)
		err error
	)
	if fn != nil {
		n, err = fn(requestType, request, value, index, data)
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	f.mu.Lock()
	f.controls = append(f.controls, controlCall{requestType, request, value, index, cp})
	f.mu.Unlock()

	return n, err
}

func (f *fakeConn) SetAltSetting(iface, alt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.altSettings = append(f.altSettings, [2]int{iface, alt})

	return nil
}

func (f *fakeConn) Submit(t *katana.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return f.submitErr
	}

	f.submitted = append(f.submitted, t)
	f.inflight[t] = true

	return nil
}

func (f *fakeConn) Cancel(t *katana.Transfer) error {
	f.complete(t, katana.TRANSFER_CANCELLED)

	return nil
}

func (f *fakeConn) Completions() <-chan *katana.Transfer {
	return f.completions
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

// complete finishes an in-flight transfer with the given status. The
// caller fills packet actuals beforehand when it matters.
func (f *fakeConn) complete(t *katana.Transfer, status katana.TransferStatus) {
	f.mu.Lock()
	if !f.inflight[t] {
		f.mu.Unlock()

		return
	}
	delete(f.inflight, t)
	f.mu.Unlock()

	t.Status = status
	f.completions <- t
}

func (f *fakeConn) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.submitted)
}

func (f *fakeConn) submittedAt(i int) *katana.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.submitted[i]
}

func (f *fakeConn) controlCalls() []controlCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]controlCall, len(f.controls))
	copy(out, f.controls)

	return out
}

// completeOK finishes a data transfer reporting every packet fully
// consumed by the device.
func (f *fakeConn) completeOK(t *katana.Transfer) {
	for i := range t.Packets {
		t.Packets[i].Actual = t.Packets[i].Length
	}
	t.Actual = t.TotalLength()

	f.complete(t, katana.TRANSFER_OK)
}

// completeFeedback finishes the feedback transfer carrying a 3-byte
// fixed-point sample.
func (f *fakeConn) completeFeedback(t *katana.Transfer, q uint32) {
	t.Buffer[0] = byte(q)
	t.Buffer[1] = byte(q >> 8)
	t.Buffer[2] = byte(q >> 16)
	t.Actual = 3

	f.complete(t, katana.TRANSFER_OK)
}

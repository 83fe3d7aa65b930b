package katana

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Gate reference-counts in-flight operations against one bound device
// instance so that disconnect can wait for drainage before the device
// handle is invalidated and shared state freed. Every entry point that
// touches the device brackets itself with Enter/Exit; once Disconnect
// has been signalled, new entries fail fast with ErrDeviceGone.
//
// The zero value is ready to use.
type Gate struct {
	mu            sync.Mutex
	disconnecting bool
	active        int
	idle          chan struct{} // armed while a drain is waiting
}

// Enter registers an active operation. It fails with ErrDeviceGone once
// a disconnect is in progress. On success the caller must pair it with
// exactly one Exit, typically via defer.
func (g *Gate) Enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disconnecting {
		return ErrDeviceGone
	}

	g.active++

	return nil
}

// Exit deregisters an active operation. The last Exit releases a
// pending drain wait. An Exit without a matching Enter panics, like an
// over-released WaitGroup: swallowing it would hide a caller bug and
// corrupt the drain accounting.
func (g *Gate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == 0 {
		panic("katana: gate Exit without matching Enter")
	}

	g.active--

	if g.active == 0 && g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
}

// Active returns the current number of registered operations.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.active
}

// Disconnecting reports whether Disconnect has been signalled and not
// yet Reset.
func (g *Gate) Disconnecting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.disconnecting
}

// Disconnect raises the disconnect flag, making further Enter calls
// fail fast, then waits for the active-operation count to reach zero.
// The wait is bounded by timeout; on expiry the drain is abandoned and
// an error returned so that teardown can proceed degraded.
func (g *Gate) Disconnect(timeout time.Duration) error {
	g.mu.Lock()
	g.disconnecting = true

	if g.active == 0 {
		g.mu.Unlock()

		return nil
	}

	idle := make(chan struct{})
	g.idle = idle
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-timer.C:
		return fmt.Errorf("quiescence drain timed out after %v: %w", timeout, unix.ETIMEDOUT)
	}
}

// Reset lowers the disconnect flag and clears the counters once the
// device instance is fully torn down, allowing a fresh session if the
// device reappears under the same instance. It must not race in-flight
// operations: a straggler's Exit after Reset panics.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.disconnecting = false
	g.active = 0

	if g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
}

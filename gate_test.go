package katana_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	katana "github.com/mrworf/katana-usb-audio"
)

func TestGateEnterExit(t *testing.T) {
	t.Parallel()

	var g katana.Gate

	require.NoError(t, g.Enter())
	require.NoError(t, g.Enter())
	assert.Equal(t, 2, g.Active())

	g.Exit()
	g.Exit()
	assert.Equal(t, 0, g.Active())
}

func TestGateUnbalancedExitPanics(t *testing.T) {
	t.Parallel()

	var g katana.Gate

	require.NoError(t, g.Enter())
	g.Exit()

	assert.Panics(t, func() { g.Exit() })
	assert.Equal(t, 0, g.Active())
}

func TestGateDisconnectFailsFast(t *testing.T) {
	t.Parallel()

	var g katana.Gate

	require.NoError(t, g.Disconnect(time.Second), "idle gate drains immediately")
	assert.True(t, g.Disconnecting())

	err := g.Enter()
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ENODEV), "want ENODEV, got %v", err)
}

func TestGateDisconnectDrainsConcurrentOps(t *testing.T) {
	t.Parallel()

	var g katana.Gate

	// Three operations in flight, each holding the gate for a while.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Enter())

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			g.Exit()
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Disconnect(5 * time.Second)
	}()

	// The drain must not finish while operations are still active.
	select {
	case err := <-done:
		t.Fatalf("disconnect returned with ops in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// New entries already fail even though the drain is still waiting.
	require.Error(t, g.Enter())

	close(release)
	wg.Wait()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never returned after ops exited")
	}
}

func TestGateDisconnectTimeout(t *testing.T) {
	t.Parallel()

	var g katana.Gate

	require.NoError(t, g.Enter())

	err := g.Disconnect(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ETIMEDOUT), "want ETIMEDOUT, got %v", err)

	g.Exit()
}

func TestGateReset(t *testing.T) {
	t.Parallel()

	var g katana.Gate

	require.NoError(t, g.Disconnect(time.Second))
	require.Error(t, g.Enter())

	g.Reset()

	require.NoError(t, g.Enter(), "gate usable again after reset")
	g.Exit()
}

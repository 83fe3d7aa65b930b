package katana

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// CardInfo identifies the presented sound card.
type CardInfo struct {
	Driver    string
	ShortName string
	LongName  string
}

// String returns a human-readable representation of the CardInfo.
func (i CardInfo) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Driver, i.ShortName, i.LongName)
}

// Card is the per-device context tying one USB connection to its
// playback stream, mixer controls and quiescence gate. One Card lives
// per physical attach; a reattached device gets a fresh Card.
type Card struct {
	conn   DeviceConn
	gate   *Gate
	logger *slog.Logger
	info   CardInfo

	mu     sync.Mutex
	stream *Stream
	ctl    *Control
	closed bool
}

// NewCard wraps an established device connection. A nil logger falls
// back to slog.Default.
func NewCard(conn DeviceConn, logger *slog.Logger) *Card {
	if logger == nil {
		logger = slog.Default()
	}

	gate := new(Gate)

	return &Card{
		conn:   conn,
		gate:   gate,
		logger: logger,
		info: CardInfo{
			Driver:    "katana-usb-audio",
			ShortName: "SB Katana",
			LongName:  "Creative SoundBlaster X Katana (USB)",
		},
		ctl: NewControl(conn, gate, logger),
	}
}

// Info returns the static card identity.
func (c *Card) Info() CardInfo {
	return c.info
}

// Control returns the mixer control handle.
func (c *Card) Control() *Control {
	return c.ctl
}

// OpenStream opens the single playback stream. The device exposes one
// output substream; a second open while the first is live fails with
// EBUSY.
func (c *Card) OpenStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrDeviceGone
	}

	if c.stream != nil && c.stream.State() != STATE_CLOSED {
		return nil, fmt.Errorf("playback stream already open: %w", unix.EBUSY)
	}

	s, err := OpenStream(c.conn, c.gate, c.logger)
	if err != nil {
		return nil, err
	}

	c.stream = s

	return s, nil
}

// Disconnect handles physical device removal: new operations are
// refused immediately, in-flight ones are drained with a bounded
// wait, and teardown proceeds either way. The returned error reports
// a drain timeout; the card is unusable afterwards regardless.
func (c *Card) Disconnect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DisconnectTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	s := c.stream
	c.mu.Unlock()

	if s != nil {
		s.invalidate()
	}

	drainErr := c.gate.Disconnect(timeout)
	if drainErr != nil {
		c.logger.Warn("disconnect drain incomplete, tearing down anyway", "error", drainErr)
	}

	if s != nil {
		if err := s.Close(); err != nil {
			c.logger.Warn("closing stream during disconnect", "error", err)
		}
	}

	if err := c.conn.Close(); err != nil {
		c.logger.Warn("closing device connection", "error", err)
	}

	c.logger.Info("card disconnected", "card", c.info.ShortName)

	return drainErr
}

// Close releases the card during normal shutdown, with the device
// still attached.
func (c *Card) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	s := c.stream
	c.mu.Unlock()

	if s != nil && s.State() != STATE_CLOSED {
		if err := s.Close(); err != nil {
			return err
		}
	}

	return c.conn.Close()
}

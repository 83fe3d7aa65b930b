package katana

import (
	"fmt"
	"log/slog"
	"sync"
)

// Config encapsulates the hardware parameters of a playback stream.
type Config struct {
	Channels    uint32
	Rate        uint32
	PeriodSize  uint32 // frames per period
	PeriodCount uint32
	// BufferSize is the ring capacity in frames. Zero derives
	// PeriodSize*PeriodCount; any other value must equal that product.
	BufferSize uint32
	Format     PcmFormat
}

// FrameSize returns the size of a single frame in bytes.
func (c *Config) FrameSize() uint32 {
	bits := FormatToBits(c.Format)
	if bits == 0 {
		return 0
	}

	return c.Channels * (bits / 8)
}

// Stream is one open playback session on the streaming interface. A
// stream references exactly one device handle, weakly: it re-checks a
// validity flag before every device access and never frees the handle.
//
// A single lock protects the cursors, feedback state and running
// flags. It is held only for short critical sections: never across a
// blocking device request, and never across the period-elapsed
// notification.
type Stream struct {
	conn   DeviceConn
	gate   *Gate
	logger *slog.Logger

	mu           sync.Mutex
	state        StreamState
	cfg          Config
	frameSize    uint32
	bufferFrames uint32

	ring ring
	fb   feedbackState
	pool *transferPool

	hwPtr      uint32 // frames consumed by the device, modulo buffer
	lastPeriod uint32 // period cursor for boundary detection

	running  bool
	prepared bool
	started  bool // transfers submitted and not yet cancelled
	devValid bool

	periodElapsed func()

	quit chan struct{}
	done chan struct{}
}

// OpenStream opens a playback session on the given device handle and
// starts the completion scheduler. The caller owns the handle; the
// stream only borrows it. A nil gate gets a private one.
func OpenStream(conn DeviceConn, gate *Gate, logger *slog.Logger) (*Stream, error) {
	if conn == nil {
		return nil, fmt.Errorf("open stream: nil device connection: %w", ErrDeviceGone)
	}

	if gate == nil {
		gate = new(Gate)
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := gate.Enter(); err != nil {
		return nil, err
	}
	defer gate.Exit()

	s := &Stream{
		conn:     conn,
		gate:     gate,
		logger:   logger,
		state:    STATE_OPEN,
		devValid: true,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go s.completionLoop()

	return s, nil
}

// OnPeriodElapsed installs the callback signalled once per crossed
// period boundary. It is always invoked outside the session lock.
func (s *Stream) OnPeriodElapsed(fn func()) {
	s.mu.Lock()
	s.periodElapsed = fn
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Config returns a copy of the stream's current configuration.
func (s *Stream) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

// Underruns returns the number of transfer refills that had to be
// padded with silence because the application fell behind.
func (s *Stream) Underruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ring.underruns
}

// SetParams validates the hardware parameters, releases any pool from
// a previous configuration and allocates the transfer buffer pool.
// Constraint violations are rejected before any allocation occurs. A
// started stream must be stopped first: reconfiguring under in-flight
// transfers would free their buffers.
func (s *Stream) SetParams(cfg Config) error {
	if err := s.gate.Enter(); err != nil {
		return err
	}
	defer s.gate.Exit()

	s.mu.Lock()
	if !s.devValid {
		s.mu.Unlock()

		return ErrDeviceGone
	}

	if s.started {
		s.mu.Unlock()

		return fmt.Errorf("cannot change hardware parameters on a started stream: %w", ErrBadConfig)
	}

	frameSize := cfg.FrameSize()

	switch {
	case cfg.Channels != 2:
		s.mu.Unlock()

		return fmt.Errorf("unsupported channel count %d: %w", cfg.Channels, ErrBadConfig)
	case frameSize == 0:
		s.mu.Unlock()

		return fmt.Errorf("unsupported sample format %d: %w", cfg.Format, ErrBadConfig)
	case cfg.PeriodSize == 0 || cfg.PeriodCount < 2:
		s.mu.Unlock()

		return fmt.Errorf("need a period size and at least 2 periods: %w", ErrBadConfig)
	}

	if _, ok := altSettingForRate[cfg.Rate]; !ok {
		s.mu.Unlock()

		return fmt.Errorf("unsupported sample rate %d: %w", cfg.Rate, ErrBadConfig)
	}

	if cfg.BufferSize == 0 {
		cfg.BufferSize = cfg.PeriodSize * cfg.PeriodCount
	}

	// buffer_bytes == period_bytes * periods, enforced rather than
	// merely advised.
	if cfg.BufferSize != cfg.PeriodSize*cfg.PeriodCount {
		s.mu.Unlock()

		return fmt.Errorf("buffer size %d != period size %d * periods %d: %w",
			cfg.BufferSize, cfg.PeriodSize, cfg.PeriodCount, ErrBadConfig)
	}

	oldPool := s.pool
	s.pool = nil
	conn := s.conn
	s.mu.Unlock()

	// Release outside the lock: it blocks until in-flight transfers
	// are acknowledged.
	oldPool.release()

	// Each slot holds several device-frame-intervals' worth of audio,
	// with headroom above nominal for feedback-driven pacing.
	nominal := cfg.Rate / IntervalsPerSecond
	maxPacketBytes := (nominal + nominal/8 + 1) * frameSize

	pool, err := newTransferPool(conn, DataTransferCount, int(PacketsPerTransfer*maxPacketBytes), PacketsPerTransfer)
	if err != nil {
		return fmt.Errorf("allocating transfer pool: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.frameSize = frameSize
	s.bufferFrames = cfg.BufferSize
	s.ring.init(cfg.BufferSize, frameSize)
	s.pool = pool
	s.prepared = false
	s.state = STATE_CONFIGURED
	s.mu.Unlock()

	return nil
}

// FreeParams releases the transfer buffer pool and the ring. Like
// Close, it is a cleanup path and is never blocked by a disconnect in
// progress.
func (s *Stream) FreeParams() error {
	s.mu.Lock()
	s.running = false
	s.started = false
	pool := s.pool
	s.pool = nil
	s.ring = ring{}
	s.prepared = false
	s.state = STATE_OPEN
	s.mu.Unlock()

	pool.release()

	return nil
}

// Prepare resets all cursors, activates the alternate setting matching
// the negotiated sample rate, and issues the clock-rate request to the
// device. Failure aborts the transition; buffers stay allocated for a
// retry. A started stream must be stopped first: completions advance
// the cursors concurrently, so resetting them mid-flight would corrupt
// the hardware position.
func (s *Stream) Prepare() error {
	if err := s.gate.Enter(); err != nil {
		return err
	}
	defer s.gate.Exit()

	s.mu.Lock()
	if !s.devValid {
		s.mu.Unlock()

		return ErrDeviceGone
	}

	if s.started {
		s.mu.Unlock()

		return fmt.Errorf("cannot prepare a started stream: %w", ErrBadConfig)
	}

	if s.pool == nil {
		s.mu.Unlock()

		return fmt.Errorf("prepare before hardware parameters were set: %w", ErrBadConfig)
	}

	rate := s.cfg.Rate
	alt, ok := altSettingForRate[rate]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("unsupported sample rate %d: %w", rate, ErrBadConfig)
	}

	s.hwPtr = 0
	s.lastPeriod = 0
	s.ring.reset()
	s.fb.reset(rate)
	conn := s.conn
	s.mu.Unlock()

	// Blocking device requests happen outside the lock.
	if err := conn.SetAltSetting(StreamingInterface, alt); err != nil {
		return fmt.Errorf("activating alternate setting %d: %w", alt, err)
	}

	if err := setSampleRate(conn, DataOutEndpoint, rate); err != nil {
		return fmt.Errorf("negotiating clock rate %d: %w", rate, err)
	}

	s.mu.Lock()
	s.prepared = true
	s.running = false
	s.state = STATE_PREPARED
	s.mu.Unlock()

	return nil
}

// Start submits the feedback transfer first, so a pacing estimate
// exists before data flows, then all data transfers seeded with
// silence. Any submission failure cancels everything already
// submitted and reverts to not-running.
func (s *Stream) Start() error {
	if err := s.gate.Enter(); err != nil {
		return err
	}
	defer s.gate.Exit()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.devValid {
		return ErrDeviceGone
	}

	if !s.prepared || s.pool == nil {
		return fmt.Errorf("start before prepare: %w", ErrBadConfig)
	}

	if s.started {
		return nil
	}

	s.hwPtr = 0
	s.lastPeriod = 0
	s.started = true
	s.running = true

	fb := s.pool.feedback
	fb.Actual = 0
	if err := s.pool.submit(fb); err != nil {
		s.started = false
		s.running = false

		return fmt.Errorf("submitting feedback transfer: %w", err)
	}

	for i, t := range s.pool.slots {
		s.layoutPacketsLocked(t)
		clear(t.Buffer)

		if err := s.pool.submit(t); err != nil {
			// Unwind everything already in flight.
			_ = s.conn.Cancel(fb)
			for _, prev := range s.pool.slots[:i] {
				_ = s.conn.Cancel(prev)
			}
			s.started = false
			s.running = false

			return fmt.Errorf("submitting data transfer %d: %w", i, err)
		}
	}

	s.state = STATE_RUNNING

	return nil
}

// Stop cancels every outstanding transfer without blocking.
// Completions for cancelled transfers are expected and benign. Stop is
// a cleanup path and is not blocked by a disconnect in progress. On a
// stream that was never started it is a no-op and leaves the state
// untouched.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.running = false
	s.started = false

	if s.pool != nil {
		s.pool.cancelAll()
	}

	s.state = STATE_STOPPED

	return nil
}

// Pause suspends or resumes data flow by toggling the running flag
// only. Transfers keep flowing, carrying silence while paused, so the
// hardware clock does not have to be renegotiated.
func (s *Stream) Pause(enable bool) error {
	if err := s.gate.Enter(); err != nil {
		return err
	}
	defer s.gate.Exit()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.devValid {
		return ErrDeviceGone
	}

	if !s.started {
		return fmt.Errorf("pause on a stream that is not started: %w", ErrBadConfig)
	}

	s.running = !enable
	if enable {
		s.state = STATE_PAUSED
	} else {
		s.state = STATE_RUNNING
	}

	return nil
}

// Pointer returns the current hardware position in frames, modulo the
// buffer size.
func (s *Stream) Pointer() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.devValid {
		return 0
	}

	return s.hwPtr
}

// Write copies interleaved PCM data into the ring at the application
// write cursor. Returns the number of frames written, which is short
// of the request when the ring lacks free space; a full ring returns
// zero. Queue more only after a period has elapsed.
func (s *Stream) Write(data []byte) (uint32, error) {
	if err := s.gate.Enter(); err != nil {
		return 0, err
	}
	defer s.gate.Exit()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.devValid {
		return 0, ErrDeviceGone
	}

	if s.ring.buf == nil {
		return 0, fmt.Errorf("write before hardware parameters were set: %w", ErrBadConfig)
	}

	return s.ring.write(data)
}

// Close forces the stream out of running, performs the full blocking
// pool release and stops the completion scheduler. Close always
// succeeds and is never blocked by a disconnect in progress.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == STATE_CLOSED {
		s.mu.Unlock()

		return nil
	}

	s.running = false
	s.started = false
	pool := s.pool
	s.pool = nil
	s.state = STATE_CLOSED
	s.mu.Unlock()

	// Blocks until the hardware has acknowledged every in-flight
	// transfer; the completion scheduler keeps draining meanwhile.
	pool.release()

	close(s.quit)
	<-s.done

	return nil
}

// invalidate marks the device handle unusable. Cleanup paths keep
// working; everything that would touch the device fails with
// ErrDeviceGone.
func (s *Stream) invalidate() {
	s.mu.Lock()
	s.devValid = false
	s.mu.Unlock()
}

// completionLoop is the single consumer of the device's completion
// channel. It runs from open to close and never blocks on anything
// but the channel itself.
func (s *Stream) completionLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.quit:
			return
		case t, ok := <-s.conn.Completions():
			if !ok {
				return
			}

			s.handleCompletion(t)
		}
	}
}

func (s *Stream) handleCompletion(t *Transfer) {
	// Balance the in-flight count only after any resubmission, so a
	// concurrent release cannot observe a spurious zero.
	if t.owner != nil {
		defer t.owner.completed()
	}

	if t.Slot == FeedbackSlot {
		s.onFeedbackComplete(t)

		return
	}

	s.onDataComplete(t)
}

// onDataComplete runs once per completed data transfer, in completion
// context: it must not block and must not hold the lock across the
// period-elapsed notification.
func (s *Stream) onDataComplete(t *Transfer) {
	s.mu.Lock()

	// Stream was stopped between submission and completion. Benign.
	if !s.started {
		s.mu.Unlock()

		return
	}

	switch t.Status {
	case TRANSFER_OK:
	case TRANSFER_CANCELLED:
		s.mu.Unlock()

		return
	default:
		// Hardware error: drop this transfer, keep streaming on the
		// remaining slots.
		s.logger.Warn("data transfer fault, dropping slot", "slot", t.Slot)
		s.mu.Unlock()

		return
	}

	elapsed := false
	if s.running {
		frames := uint32(t.granted()) / s.frameSize

		old := s.hwPtr
		s.hwPtr = (s.hwPtr + frames) % s.bufferFrames

		if old/s.cfg.PeriodSize != s.hwPtr/s.cfg.PeriodSize {
			s.lastPeriod = s.hwPtr - s.hwPtr%s.cfg.PeriodSize
			elapsed = true
		}
	}

	if s.started {
		s.refillLocked(t)

		if err := t.owner.submit(t); err != nil {
			s.logger.Warn("data transfer resubmission failed", "slot", t.Slot, "error", err)
		}
	}

	cb := s.periodElapsed
	s.mu.Unlock()

	if elapsed && cb != nil {
		cb()
	}
}

// onFeedbackComplete feeds the feedback processor and unconditionally
// resubmits itself while the stream remains started; cancellation
// stops resubmission.
func (s *Stream) onFeedbackComplete(t *Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	switch t.Status {
	case TRANSFER_OK:
		if t.Actual > 0 && t.Actual <= len(t.Buffer) {
			if err := s.fb.onSample(t.Buffer[:t.Actual]); err != nil {
				s.logger.Debug("discarded feedback sample", "error", err)
			}
		}
	case TRANSFER_CANCELLED:
		return
	default:
		s.logger.Warn("feedback transfer fault", "error", t.Status)
	}

	t.Actual = 0
	if err := t.owner.submit(t); err != nil {
		s.logger.Warn("feedback transfer resubmission failed", "error", err)
	}
}

// layoutPacketsLocked computes the packet sub-descriptors for the next
// round-trip from the current feedback-derived pacing. Pacing never
// varies per-packet within one transfer; drift is absorbed by the next
// recomputation. A packet that would overrun the buffer tail is
// truncated.
func (s *Stream) layoutPacketsLocked(t *Transfer) uint32 {
	perPacket := s.fb.pacing() * s.frameSize

	offset := uint32(0)
	for i := range t.Packets {
		length := perPacket
		if offset+length > uint32(len(t.Buffer)) {
			length = uint32(len(t.Buffer)) - offset
		}

		t.Packets[i] = IsoPacket{Offset: int(offset), Length: int(length)}
		offset += length
	}

	return offset / s.frameSize
}

// refillLocked repacks the just-completed transfer with the next slice
// of ring data, or with silence while paused or on underrun.
func (s *Stream) refillLocked(t *Transfer) {
	frames := s.layoutPacketsLocked(t)

	if s.running {
		s.ring.drain(t.Buffer[:frames*s.frameSize], frames)
	} else {
		clear(t.Buffer[:frames*s.frameSize])
	}
}

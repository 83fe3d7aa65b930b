package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"

	katana "github.com/mrworf/katana-usb-audio"
)

func main() {
	var (
		device      string
		periodSize  int
		periodCount int
		rate        int
		volume      int
		verbose     bool
	)

	flag.StringVar(&device, "device", "", "The usbfs node of the speaker (e.g. /dev/bus/usb/001/004)")
	flag.IntVar(&periodSize, "period-size", 1024, "The size of a period in frames")
	flag.IntVar(&periodCount, "period-count", 4, "The number of periods")
	flag.IntVar(&rate, "rate", 0, "The amount of frames per second (0 = use WAV file's rate)")
	flag.IntVar(&volume, "volume", -1, "Playback volume in percent (-1 = leave unchanged)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <wav-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		for _, name := range []string{"device", "period-size", "period-count", "rate", "volume", "verbose"} {
			f := flag.Lookup(name)
			if f != nil {
				fmt.Fprintf(os.Stderr, "  --%s\n    \t%v (default %q)\n", f.Name, f.Usage, f.DefValue)
			}
		}
	}

	flag.Parse()

	if flag.NArg() != 1 || device == "" {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	wavPath := flag.Arg(0)
	wavFile, err := os.Open(wavPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening WAV file: %v\n", err)
		os.Exit(1)
	}
	defer wavFile.Close()

	decoder := wav.NewDecoder(wavFile)
	if !decoder.IsValidFile() {
		fmt.Fprintln(os.Stderr, "Invalid WAV file")
		os.Exit(1)
	}

	if decoder.NumChans != 1 && decoder.NumChans != 2 {
		fmt.Fprintf(os.Stderr, "Unsupported channel count: %d\n", decoder.NumChans)
		os.Exit(1)
	}

	config := katana.Config{
		Channels:    2,
		PeriodSize:  uint32(periodSize),
		PeriodCount: uint32(periodCount),
		Format:      katana.FORMAT_S16_LE,
	}

	if rate > 0 {
		config.Rate = uint32(rate)
	} else {
		config.Rate = decoder.SampleRate
	}

	conn, err := katana.Open(device, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening USB device: %v\n", err)
		os.Exit(1)
	}

	card := katana.NewCard(conn, logger)
	defer card.Close()

	fmt.Printf("Playing WAV file: %s\n", wavPath)
	fmt.Printf("Device: %s (%s)\n", card.Info().ShortName, device)
	fmt.Printf("Configuration: %d channels, %d Hz, S16_LE\n", config.Channels, config.Rate)
	fmt.Printf("Period size: %d, Period count: %d\n", config.PeriodSize, config.PeriodCount)

	if volume >= 0 {
		if err := card.Control().SetVolumePercent(volume); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting volume: %v\n", err)
			os.Exit(1)
		}
	}

	stream, err := card.OpenStream()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening playback stream: %v\n", err)
		os.Exit(1)
	}

	if err := stream.SetParams(config); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring stream: %v\n", err)
		os.Exit(1)
	}

	if err := stream.Prepare(); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing stream: %v\n", err)
		os.Exit(1)
	}

	frameSize := int(config.FrameSize())
	periodBytes := int(config.PeriodSize) * frameSize

	// Staging ring between the WAV decoder and the period-elapsed
	// callback. The decoder goroutine fills it; the callback only does
	// a non-blocking read.
	ring := ringbuffer.New(periodBytes * int(config.PeriodCount) * 4)

	var eof atomic.Bool
	done := make(chan struct{})

	stream.OnPeriodElapsed(func() {
		chunk := make([]byte, periodBytes)

		n, _ := ring.TryRead(chunk)
		n -= n % frameSize
		if n > 0 {
			if _, err := stream.Write(chunk[:n]); err != nil {
				logger.Error("writing to stream", "error", err)
			}
		}

		if n == 0 && eof.Load() && ring.Length() == 0 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	// Prefill one full device buffer before starting the clock.
	framesQueued, err := pumpDirect(decoder, stream, int(config.PeriodSize*config.PeriodCount))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding WAV: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Starting playback...")
	startTime := time.Now()

	if err := stream.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting stream: %v\n", err)
		os.Exit(1)
	}

	// Decode the rest of the file into the staging ring.
fill:
	for {
		out, err := decodeChunk(decoder, int(config.PeriodSize))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error decoding WAV: %v\n", err)

			break
		}

		if len(out) == 0 {
			break
		}

		framesQueued += len(out) / frameSize

		for ring.Free() < len(out) {
			select {
			case <-done:
				break fill
			default:
				time.Sleep(time.Millisecond)
			}
		}

		written := 0
		for written < len(out) {
			w, _ := ring.Write(out[written:])
			written += w
			if written < len(out) {
				time.Sleep(500 * time.Microsecond)
			}
		}
	}
	eof.Store(true)

	<-done

	if err := stream.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping stream: %v\n", err)
	}

	fmt.Printf("Playback finished in %v. (%d frames, %d underruns)\n",
		time.Since(startTime), framesQueued, stream.Underruns())
}

// pumpDirect decodes up to maxFrames frames straight into the stream's
// device buffer, used for the pre-start fill.
func pumpDirect(decoder *wav.Decoder, stream *katana.Stream, maxFrames int) (int, error) {
	out, err := decodeChunk(decoder, maxFrames)
	if err != nil {
		return 0, err
	}

	if len(out) == 0 {
		return 0, nil
	}

	if _, err := stream.Write(out); err != nil {
		return 0, err
	}

	return len(out) / 4, nil
}

// decodeChunk reads up to maxFrames frames from the decoder and
// converts them to interleaved stereo S16_LE. A nil slice means end of
// file. Mono input plays on both channels.
func decodeChunk(decoder *wav.Decoder, maxFrames int) ([]byte, error) {
	channels := int(decoder.NumChans)

	pcmBuffer := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  int(decoder.SampleRate),
		},
		Data: make([]int, maxFrames*channels),
	}

	n, err := decoder.PCMBuffer(pcmBuffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	samples := pcmBuffer.Data[:n]
	frames := n / channels
	out := make([]byte, frames*4)

	shift := int(decoder.BitDepth) - 16
	for i := 0; i < frames; i++ {
		left := clampS16(scale(samples[i*channels], shift))
		right := left
		if channels == 2 {
			right = clampS16(scale(samples[i*channels+1], shift))
		}

		out[i*4] = byte(left)
		out[i*4+1] = byte(uint16(left) >> 8)
		out[i*4+2] = byte(right)
		out[i*4+3] = byte(uint16(right) >> 8)
	}

	return out, nil
}

// scale shifts a sample from the source bit depth down or up to 16 bits.
func scale(s, shift int) int {
	if shift > 0 {
		return s >> shift
	}
	if shift < 0 {
		return s << -shift
	}

	return s
}

func clampS16(s int) int16 {
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}

	return int16(s)
}

package speechos

import (
	"context"
	"errors"
	"io"
	"sync"
)

// AudioConfig describes how microphone audio should be captured.
type AudioConfig struct {
	// DeviceID selects an input device. Empty means the system default.
	DeviceID     string
	SampleRateHz int
	Channels     int
	FrameBytes   int
}

func (c AudioConfig) withDefaults() AudioConfig {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = 3200 // 100ms of 16kHz mono s16le
	}
	return c
}

// Capture is a live microphone capture. Frames yields PCM frames until the
// capture is closed or the underlying device stops.
type Capture interface {
	Frames() <-chan []byte
	Close() error
}

// CaptureSource opens capture sessions. Embedding hosts supply their own
// implementation; ReaderSource adapts any PCM byte stream.
type CaptureSource interface {
	Start(ctx context.Context, cfg AudioConfig) (Capture, error)
}

// ReaderSource is a CaptureSource backed by an io.Reader of raw PCM.
type ReaderSource struct {
	R io.Reader
}

// Start begins reading fixed-size frames from the reader.
func (s ReaderSource) Start(ctx context.Context, cfg AudioConfig) (Capture, error) {
	if s.R == nil {
		return nil, errors.New("reader source requires a reader")
	}
	cfg = cfg.withDefaults()
	c := &readerCapture{
		frames: make(chan []byte, 32),
		quit:   make(chan struct{}),
	}
	go c.pump(ctx, s.R, cfg.FrameBytes)
	return c, nil
}

type readerCapture struct {
	frames chan []byte

	closeOnce sync.Once
	quit      chan struct{}
}

func (c *readerCapture) Frames() <-chan []byte {
	return c.frames
}

func (c *readerCapture) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return nil
}

func (c *readerCapture) pump(ctx context.Context, r io.Reader, frameBytes int) {
	defer close(c.frames)

	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			frame := append([]byte(nil), buf[:n]...)
			select {
			case c.frames <- frame:
			case <-c.quit:
				return
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// NoiseFloor is the RMS level below which input is reported as silence.
const NoiseFloor = 0.12

const levelHistory = 32

var ErrUnavailable = errors.New("microphone unavailable")

// The microphone is a process-wide resource: at most one Capture may be
// running at a time.
var mic struct {
	mu    sync.Mutex
	owner *Capture
}

func acquireMic(c *Capture) bool {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	if mic.owner != nil && mic.owner != c {
		return false
	}
	mic.owner = c
	return true
}

func releaseMic(c *Capture) {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	if mic.owner == c {
		mic.owner = nil
	}
}

// Capture buffers PCM16LE mono from a CaptureDevice between Start and Stop.
type Capture struct {
	mu      sync.Mutex
	dev     CaptureDevice
	running bool
	buf     []byte
	frames  uint64
	level   float64
	levels  []float64
}

func NewCapture(dev CaptureDevice) *Capture {
	return &Capture{dev: dev}
}

// SetDevice swaps the underlying device. It fails while recording.
func (c *Capture) SetDevice(dev CaptureDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cannot switch device while recording")
	}
	c.dev = dev
	return nil
}

func (c *Capture) Device() CaptureDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

// Start acquires the microphone and begins buffering. Calling Start on a
// running Capture is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	dev := c.dev
	if dev == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: no capture device", ErrUnavailable)
	}
	if !acquireMic(c) {
		c.mu.Unlock()
		return fmt.Errorf("%w: in use by another recording", ErrUnavailable)
	}
	c.running = true
	c.buf = nil
	c.frames = 0
	c.level = 0
	c.levels = c.levels[:0]
	c.mu.Unlock()

	dev.SetCallback(c.onData)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		releaseMic(c)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Capture) onData(data []byte, frameCount uint32) {
	if len(data) == 0 {
		return
	}
	level := Gate(RMS(data))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.buf = append(c.buf, data...)
	c.frames += uint64(frameCount)
	c.level = level
	c.levels = append(c.levels, level)
	if len(c.levels) > levelHistory {
		c.levels = c.levels[len(c.levels)-levelHistory:]
	}
}

// Drain returns and clears the PCM buffered since the last Drain. It never
// blocks on the device.
func (c *Capture) Drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf
	c.buf = nil
	return out
}

// Stop ends the recording and releases the microphone. It returns the
// undrained tail, or nil when discard is set.
func (c *Capture) Stop(discard bool) []byte {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	tail := c.buf
	c.buf = nil
	c.level = 0
	dev := c.dev
	c.mu.Unlock()

	if wasRunning && dev != nil {
		dev.ClearCallback()
		dev.Stop()
	}
	releaseMic(c)

	if discard {
		return nil
	}
	return tail
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Frames counts samples captured since Start.
func (c *Capture) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Level is the gated RMS of the most recent chunk, in 0..1.
func (c *Capture) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Levels returns recent gated levels, oldest first.
func (c *Capture) Levels() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.levels...)
}

// RMS of a PCM16LE buffer, normalized to 0..1.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Min(1, math.Sqrt(sumSquares/float64(n)))
}

// Gate maps levels under NoiseFloor to zero.
func Gate(level float64) float64 {
	if level < NoiseFloor {
		return 0
	}
	return level
}

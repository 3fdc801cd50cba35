package audio

import (
	"encoding/binary"
	"math"
	"os"
	"sync"
	"time"

	"voxrec/encoder"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext replays fixed PCM as if it came from a microphone.
type FakeContext struct {
	pcm      []byte
	realtime bool

	// StartErr, when set, makes every capture fail to start, as a busy or
	// denied microphone would.
	StartErr error
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime}, nil
}

func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return f.NewFakeCapture(), nil
}

func (f *FakeContext) NewFakeCapture() *FakeCapture {
	return &FakeCapture{pcm: f.pcm, realtime: f.realtime, startErr: f.StartErr, audioDone: make(chan struct{})}
}

type FakeCapture struct {
	pcm       []byte
	realtime  bool
	startErr  error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	starts   int
}

// AudioDone is closed once the scripted PCM has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDone
}

// Starts counts successful Start calls.
func (f *FakeCapture) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.starts++
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	audioDone := f.audioDone
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	silence := make([]byte, chunkBytes)

	if !f.realtime {
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(audioDone)

		go func() {
			defer close(feedDone)
			for {
				select {
				case <-stopCh:
					return
				case <-time.After(time.Millisecond):
				}
				if cb := f.callback(); cb != nil {
					cb(silence, fakeFrameSize)
				}
			}
		}()
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(encoder.SampleRate)
	go func() {
		defer close(feedDone)
		pos := 0
		audioFinished := false
		for {
			select {
			case <-stopCh:
				return
			default:
			}

			if cb := f.callback(); cb != nil {
				if pos < len(f.pcm) {
					pos = f.feedChunk(cb, pos, chunkBytes)
				} else {
					if !audioFinished {
						audioFinished = true
						close(audioDone)
					}
					cb(silence, fakeFrameSize)
				}
			}

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone

	f.mu.Lock()
	select {
	case <-f.audioDone:
		f.audioDone = make(chan struct{}) // reset for replay
	default:
	}
	f.mu.Unlock()
}

func (f *FakeCapture) Close() {
	f.Stop()
}

// Tone generates a PCM16LE mono sine wave at the given amplitude (0..1).
func Tone(d time.Duration, freq, amplitude float64) []byte {
	n := int(d.Seconds() * float64(encoder.SampleRate))
	pcm := make([]byte, n*2)
	for i := range n {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(encoder.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return pcm
}

// Silence generates d of zero samples.
func Silence(d time.Duration) []byte {
	return make([]byte, int(d.Seconds()*float64(encoder.SampleRate))*2)
}

package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FlacEncoder turns PCM16LE mono into an in-memory FLAC stream. Write
// accepts PCM of any length; samples are framed in BlockSize blocks.
type FlacEncoder struct {
	buf         bytes.Buffer
	enc         *flac.Encoder
	pending     []int16
	odd         []byte
	totalFrames uint64
	closed      bool
}

func NewFlac() (*FlacEncoder, error) {
	e := &FlacEncoder{}
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    SampleRate,
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	e.enc = enc
	return e, nil
}

func (e *FlacEncoder) Write(pcm []byte) (int, error) {
	if e.closed {
		return 0, fmt.Errorf("flac encoder closed")
	}
	n := len(pcm)
	if len(e.odd) > 0 {
		pcm = append(e.odd, pcm...)
		e.odd = nil
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		e.pending = append(e.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	if len(pcm)%2 == 1 {
		e.odd = []byte{pcm[len(pcm)-1]}
	}
	for len(e.pending) >= BlockSize {
		if err := e.encodeBlock(e.pending[:BlockSize]); err != nil {
			return 0, err
		}
		e.pending = e.pending[BlockSize:]
	}
	return n, nil
}

func (e *FlacEncoder) encodeBlock(block []int16) error {
	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    SampleRate,
			Channels:      frame.ChannelsMono,
			BitsPerSample: BitsPerSample,
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples32,
			NSamples:  len(block),
		}},
	}

	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

// Close flushes the final partial block and finishes the stream.
func (e *FlacEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.pending) > 0 {
		if err := e.encodeBlock(e.pending); err != nil {
			return err
		}
		e.pending = nil
	}
	return e.enc.Close()
}

func (e *FlacEncoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *FlacEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

// Package audiocodec is the one concrete implementation of
// pipeline.AudioDecoder: it turns a declared-encoding chunk payload
// into canonical mono float32 PCM. Grounded on the teacher's
// client/audio.go Opus encode/decode wrapper, adapted from a stateful
// per-connection encoder/decoder pair to a decoder resolved per
// (sampleRate, channels) and reused across calls.
package audiocodec

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"

	"github.com/ninjacall/voicecore/internal/model"
)

// Decoder decodes Opus or raw PCM16 payloads into float32 samples. Safe
// for concurrent use; one underlying opus.Decoder is kept per
// (sampleRate, channels) pair since construction is comparatively
// expensive and decoders are stateless across independent packets for
// our purposes (no FEC carried between chunks at this boundary).
type Decoder struct {
	mu       sync.Mutex
	decoders map[codecKey]*opus.Decoder
}

type codecKey struct {
	sampleRate int
	channels   int
}

func New() *Decoder {
	return &Decoder{decoders: make(map[codecKey]*opus.Decoder)}
}

// Decode implements pipeline.AudioDecoder.
func (d *Decoder) Decode(payload []byte, encoding model.AudioEncoding, sampleRate, channels int) ([]float32, error) {
	switch encoding {
	case model.EncodingPCM:
		return decodePCM16(payload)
	case model.EncodingOpus:
		return d.decodeOpus(payload, sampleRate, channels)
	default:
		return nil, fmt.Errorf("audiocodec: unsupported encoding %q at the pipeline boundary", encoding)
	}
}

func (d *Decoder) decodeOpus(payload []byte, sampleRate, channels int) ([]float32, error) {
	dec, err := d.decoderFor(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus decoder: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// A 60ms frame at the call's sample rate is the largest Opus frame
	// duration; oversize the scratch buffer rather than guess exactly.
	pcm := make([]float32, sampleRate*channels*60/1000)
	n, err := dec.DecodeFloat32(payload, pcm)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus decode: %w", err)
	}
	return pcm[:n*channels], nil
}

func (d *Decoder) decoderFor(sampleRate, channels int) (*opus.Decoder, error) {
	key := codecKey{sampleRate, channels}

	d.mu.Lock()
	dec, ok := d.decoders[key]
	d.mu.Unlock()
	if ok {
		return dec, nil
	}

	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.decoders[key] = dec
	d.mu.Unlock()
	return dec, nil
}

// decodePCM16 interprets payload as little-endian signed 16-bit PCM and
// normalizes it to the [-1, 1] float32 range the rest of the pipeline
// expects.
func decodePCM16(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("audiocodec: odd-length PCM16 payload (%d bytes)", len(payload))
	}
	out := make([]float32, len(payload)/2)
	for i := range out {
		v := int16(uint16(payload[2*i]) | uint16(payload[2*i+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out, nil
}

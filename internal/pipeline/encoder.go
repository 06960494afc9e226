// Package pipeline runs one encode pipeline per recording source: frames in,
// timed segment files out.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nav9/multi-recorder/internal/types"
)

// Encoder turns raw frames into encoded bytes. Encoders may buffer
// internally; Encode returns nil output while accumulating and the pipeline
// calls Flush before every segment boundary so buffered data never crosses
// into the next file.
type Encoder interface {
	// Params describes the encoding for the manifest.
	Params() types.EncoderParams

	// Encode consumes one frame. The returned slice may be empty when the
	// encoder is still accumulating.
	Encode(f types.Frame) ([]byte, error)

	// Flush drains everything buffered so far.
	Flush() ([]byte, error)

	// Close releases encoder resources. Encode and Flush fail afterwards.
	Close() error
}

// Factory builds a fresh encoder for a negotiated format. The pipeline calls
// it once at startup and once more if a mid-stream encoder fault forces a
// replacement.
type Factory func(media types.MediaKind, format types.AcceptedFormat) (Encoder, error)

// ErrEncoderClosed is returned by Encode or Flush after Close.
var ErrEncoderClosed = errors.New("encoder is closed")

// Chunk stream layout, one record per frame:
//
//	4 bytes  magic "MRCF"
//	8 bytes  PTS in nanoseconds, big endian
//	4 bytes  payload length, big endian
//	N bytes  payload
//
// Records are self-delimiting, so chunk files concatenate cleanly and a
// truncated tail is detectable by a short final record.
const (
	chunkMagic      = "MRCF"
	chunkHeaderSize = 16
)

// ChunkEncoder frames raw payloads into the chunk record format. It batches
// a few frames per emission so segment boundary handling has to flush.
type ChunkEncoder struct {
	params  types.EncoderParams
	batch   int
	pending int
	buf     []byte
	closed  bool
}

// NewChunkEncoder creates a chunk encoder for the given media kind.
// batchFrames <= 1 emits every frame immediately.
func NewChunkEncoder(media types.MediaKind, format types.AcceptedFormat, batchFrames int) *ChunkEncoder {
	if batchFrames < 1 {
		batchFrames = 1
	}
	params := types.EncoderParams{
		Codec:     "rawchunk",
		Container: "mrc",
	}
	if media == types.MediaAudio {
		params.Parameters = fmt.Sprintf("s16le rate=%d channels=%d", format.SampleRate, format.Channels)
	} else {
		params.Parameters = fmt.Sprintf("rgb %dx%d@%.3g", format.Width, format.Height, format.FPS)
	}
	return &ChunkEncoder{
		params: params,
		batch:  batchFrames,
	}
}

// NewChunkFactory returns a Factory producing chunk encoders with the given
// batch depth.
func NewChunkFactory(batchFrames int) Factory {
	return func(media types.MediaKind, format types.AcceptedFormat) (Encoder, error) {
		return NewChunkEncoder(media, format, batchFrames), nil
	}
}

func (e *ChunkEncoder) Params() types.EncoderParams { return e.params }

func (e *ChunkEncoder) Encode(f types.Frame) ([]byte, error) {
	if e.closed {
		return nil, ErrEncoderClosed
	}

	header := make([]byte, chunkHeaderSize)
	copy(header[0:4], chunkMagic)
	binary.BigEndian.PutUint64(header[4:12], uint64(f.PTS.Nanoseconds()))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(f.Data)))

	e.buf = append(e.buf, header...)
	e.buf = append(e.buf, f.Data...)
	e.pending++

	if e.pending < e.batch {
		return nil, nil
	}
	return e.emit(), nil
}

func (e *ChunkEncoder) Flush() ([]byte, error) {
	if e.closed {
		return nil, ErrEncoderClosed
	}
	return e.emit(), nil
}

func (e *ChunkEncoder) Close() error {
	e.closed = true
	e.buf = nil
	e.pending = 0
	return nil
}

func (e *ChunkEncoder) emit() []byte {
	if len(e.buf) == 0 {
		return nil
	}
	out := e.buf
	e.buf = nil
	e.pending = 0
	return out
}

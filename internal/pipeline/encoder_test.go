package pipeline

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/nav9/multi-recorder/internal/types"
)

func videoFrame(pts time.Duration, payload []byte) types.Frame {
	return types.Frame{SourceID: "src", PTS: pts, Media: types.MediaVideo, Data: payload}
}

// TestChunkRecordLayout verifies the on-disk record framing.
func TestChunkRecordLayout(t *testing.T) {
	enc := NewChunkEncoder(types.MediaVideo, types.AcceptedFormat{Width: 640, Height: 360, FPS: 30}, 1)

	payload := []byte("hello")
	out, err := enc.Encode(videoFrame(1500*time.Millisecond, payload))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(out) != chunkHeaderSize+len(payload) {
		t.Fatalf("Expected %d bytes, got %d", chunkHeaderSize+len(payload), len(out))
	}

	if string(out[0:4]) != chunkMagic {
		t.Errorf("Expected magic %q, got %q", chunkMagic, out[0:4])
	}
	pts := binary.BigEndian.Uint64(out[4:12])
	if pts != uint64((1500 * time.Millisecond).Nanoseconds()) {
		t.Errorf("Expected PTS 1.5s in ns, got %d", pts)
	}
	length := binary.BigEndian.Uint32(out[12:16])
	if int(length) != len(payload) {
		t.Errorf("Expected length %d, got %d", len(payload), length)
	}
	if string(out[chunkHeaderSize:]) != "hello" {
		t.Errorf("Payload mismatch: %q", out[chunkHeaderSize:])
	}
}

// TestChunkBatching verifies the encoder buffers until the batch fills and
// Flush drains the remainder.
func TestChunkBatching(t *testing.T) {
	enc := NewChunkEncoder(types.MediaVideo, types.AcceptedFormat{}, 3)

	for i := 0; i < 2; i++ {
		out, err := enc.Encode(videoFrame(time.Duration(i)*time.Millisecond, []byte{byte(i)}))
		if err != nil {
			t.Fatalf("Encode %d failed: %v", i, err)
		}
		if len(out) != 0 {
			t.Fatalf("Expected no output while accumulating, got %d bytes", len(out))
		}
	}

	out, err := enc.Encode(videoFrame(2*time.Millisecond, []byte{2}))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(out) != 3*(chunkHeaderSize+1) {
		t.Fatalf("Expected 3 records on batch boundary, got %d bytes", len(out))
	}

	// Nothing pending after a full emission.
	flushed, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(flushed) != 0 {
		t.Errorf("Expected empty flush, got %d bytes", len(flushed))
	}

	// A partial batch drains on Flush.
	if _, err := enc.Encode(videoFrame(3*time.Millisecond, []byte{3})); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	flushed, err = enc.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(flushed) != chunkHeaderSize+1 {
		t.Errorf("Expected 1 buffered record, got %d bytes", len(flushed))
	}
}

func TestChunkEncoderClosed(t *testing.T) {
	enc := NewChunkEncoder(types.MediaVideo, types.AcceptedFormat{}, 1)
	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := enc.Encode(videoFrame(0, []byte{1})); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("Expected ErrEncoderClosed from Encode, got %v", err)
	}
	if _, err := enc.Flush(); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("Expected ErrEncoderClosed from Flush, got %v", err)
	}
}

// TestChunkParams verifies manifest parameters reflect the negotiated format.
func TestChunkParams(t *testing.T) {
	v := NewChunkEncoder(types.MediaVideo, types.AcceptedFormat{Width: 1920, Height: 1080, FPS: 30}, 1)
	if v.Params().Codec != "rawchunk" || v.Params().Container != "mrc" {
		t.Errorf("Unexpected video params: %+v", v.Params())
	}
	if v.Params().Parameters != "rgb 1920x1080@30" {
		t.Errorf("Unexpected video parameters: %q", v.Params().Parameters)
	}

	a := NewChunkEncoder(types.MediaAudio, types.AcceptedFormat{SampleRate: 48000, Channels: 2}, 1)
	if a.Params().Parameters != "s16le rate=48000 channels=2" {
		t.Errorf("Unexpected audio parameters: %q", a.Params().Parameters)
	}
}

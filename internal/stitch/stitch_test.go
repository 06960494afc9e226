package stitch

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nav9/multi-recorder/internal/manifest"
	"github.com/nav9/multi-recorder/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// chunkRecord builds one record in the segment container format.
func chunkRecord(pts time.Duration, payload []byte) []byte {
	rec := make([]byte, chunkHeaderSize+len(payload))
	copy(rec[0:4], chunkMagic)
	binary.BigEndian.PutUint64(rec[4:12], uint64(pts.Nanoseconds()))
	binary.BigEndian.PutUint32(rec[12:16], uint32(len(payload)))
	copy(rec[chunkHeaderSize:], payload)
	return rec
}

// writeSegmentFile writes records at the given timestamps and returns the
// segment descriptor.
func writeSegmentFile(t *testing.T, dir, label string, index int, start, end time.Duration, ptss []time.Duration) types.Segment {
	t.Helper()
	path := filepath.Join(dir, filepath.Base(label)+"_"+string(rune('0'+index))+".mrc")
	var data []byte
	for _, pts := range ptss {
		data = append(data, chunkRecord(pts, []byte{0xAB})...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write segment file: %v", err)
	}
	return types.Segment{
		SourceID: "src-1",
		Index:    index,
		Start:    start,
		End:      end,
		Path:     path,
		Bytes:    int64(len(data)),
		Encoder:  types.EncoderParams{Codec: "rawchunk", Container: "mrc"},
	}
}

// buildSession writes a finalized single-track manifest with the given
// segments and gaps.
func buildSession(t *testing.T, segs []types.Segment, gaps []types.Gap) string {
	t.Helper()
	dir := filepath.Dir(segs[0].Path)

	m := manifest.New("sess-stitch", "desk", dir)
	m.State = types.StateFinalized
	m.AddTrack(types.Source{ID: "src-1", Kind: types.KindMonitor, Name: "Primary"}, "primary", types.AcceptedFormat{})
	for _, seg := range segs {
		m.AppendSegment(seg)
	}
	for _, g := range gaps {
		m.AppendGap("src-1", g)
	}
	if err := manifest.NewStore(dir).Save(m); err != nil {
		t.Fatalf("Failed to save manifest: %v", err)
	}
	return dir
}

func readPTSs(t *testing.T, path string) []time.Duration {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read stitched file: %v", err)
	}
	var out []time.Duration
	for off := 0; off < len(data); {
		if string(data[off:off+4]) != chunkMagic {
			t.Fatalf("Bad magic at offset %d", off)
		}
		out = append(out, time.Duration(binary.BigEndian.Uint64(data[off+4:off+12])))
		size := binary.BigEndian.Uint32(data[off+12 : off+16])
		off += chunkHeaderSize + int(size)
	}
	return out
}

// TestStitchContinuous verifies adjacent segments concatenate byte for byte.
func TestStitchContinuous(t *testing.T) {
	dir := t.TempDir()
	segs := []types.Segment{
		writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0, 5 * time.Second}),
		writeSegmentFile(t, dir, "primary", 1, 10*time.Second, 20*time.Second, []time.Duration{10 * time.Second, 15 * time.Second}),
	}
	sessionDir := buildSession(t, segs, nil)

	res, err := Stitch(testLogger(), sessionDir, Options{})
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	if len(res.Tracks) != 1 {
		t.Fatalf("Expected 1 track, got %d", len(res.Tracks))
	}

	tr := res.Tracks[0]
	if tr.Segments != 2 {
		t.Errorf("Expected 2 segments stitched, got %d", tr.Segments)
	}
	if tr.Bytes != segs[0].Bytes+segs[1].Bytes {
		t.Errorf("Expected %d bytes, got %d", segs[0].Bytes+segs[1].Bytes, tr.Bytes)
	}

	pts := readPTSs(t, tr.Path)
	want := []time.Duration{0, 5 * time.Second, 10 * time.Second, 15 * time.Second}
	if len(pts) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(pts))
	}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("Record %d: expected PTS %v, got %v", i, want[i], pts[i])
		}
	}

	// The run summary is persisted next to the output.
	if _, err := os.Stat(filepath.Join(res.Dir, ResultFileName)); err != nil {
		t.Errorf("Stitch result file missing: %v", err)
	}
}

// TestStitchUndeclaredGap verifies a timeline hole with no recorded gap is an
// error, not a silent splice.
func TestStitchUndeclaredGap(t *testing.T) {
	dir := t.TempDir()
	segs := []types.Segment{
		writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0}),
		writeSegmentFile(t, dir, "primary", 1, 15*time.Second, 20*time.Second, []time.Duration{15 * time.Second}),
	}
	sessionDir := buildSession(t, segs, nil)

	if _, err := Stitch(testLogger(), sessionDir, Options{}); !errors.Is(err, ErrUndeclaredGap) {
		t.Errorf("Expected ErrUndeclaredGap, got %v", err)
	}
}

// TestStitchDeclaredGapExplicit verifies a recorded pause makes the same hole
// legal and shows up in the result.
func TestStitchDeclaredGapExplicit(t *testing.T) {
	dir := t.TempDir()
	segs := []types.Segment{
		writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0, 9 * time.Second}),
		writeSegmentFile(t, dir, "primary", 1, 15*time.Second, 20*time.Second, []time.Duration{15 * time.Second, 19 * time.Second}),
	}
	gap := types.Gap{Start: 10 * time.Second, End: 15 * time.Second, Reason: "pause"}
	sessionDir := buildSession(t, segs, []types.Gap{gap})

	res, err := Stitch(testLogger(), sessionDir, Options{Mode: ModeExplicitGaps})
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	tr := res.Tracks[0]
	if len(tr.Gaps) != 1 || tr.Gaps[0].Reason != "pause" {
		t.Errorf("Expected the pause gap in the result, got %+v", tr.Gaps)
	}

	// Explicit mode preserves original timestamps.
	pts := readPTSs(t, tr.Path)
	if pts[2] != 15*time.Second {
		t.Errorf("Expected preserved PTS 15s, got %v", pts[2])
	}
}

// TestStitchTrimCollapsesGap verifies trim mode rewrites timestamps so the
// declared gap disappears from the output timeline.
func TestStitchTrimCollapsesGap(t *testing.T) {
	dir := t.TempDir()
	segs := []types.Segment{
		writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0, 9 * time.Second}),
		writeSegmentFile(t, dir, "primary", 1, 15*time.Second, 20*time.Second, []time.Duration{15 * time.Second, 19 * time.Second}),
	}
	gap := types.Gap{Start: 10 * time.Second, End: 15 * time.Second, Reason: "pause"}
	sessionDir := buildSession(t, segs, []types.Gap{gap})

	res, err := Stitch(testLogger(), sessionDir, Options{Mode: ModeTrim})
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}

	pts := readPTSs(t, res.Tracks[0].Path)
	want := []time.Duration{0, 9 * time.Second, 10 * time.Second, 14 * time.Second}
	if len(pts) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(pts))
	}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("Record %d: expected shifted PTS %v, got %v", i, want[i], pts[i])
		}
	}
}

// TestStitchBrokenChains verifies index validation catches duplicates and holes.
func TestStitchBrokenChains(t *testing.T) {
	t.Run("duplicate index", func(t *testing.T) {
		dir := t.TempDir()
		a := writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0})
		b := writeSegmentFile(t, dir, "dup", 0, 10*time.Second, 20*time.Second, []time.Duration{10 * time.Second})
		sessionDir := buildSession(t, []types.Segment{a, b}, nil)

		if _, err := Stitch(testLogger(), sessionDir, Options{}); !errors.Is(err, ErrDuplicateSegment) {
			t.Errorf("Expected ErrDuplicateSegment, got %v", err)
		}
	})

	t.Run("missing index", func(t *testing.T) {
		dir := t.TempDir()
		a := writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0})
		b := writeSegmentFile(t, dir, "primary", 2, 20*time.Second, 30*time.Second, []time.Duration{20 * time.Second})
		sessionDir := buildSession(t, []types.Segment{a, b}, nil)

		if _, err := Stitch(testLogger(), sessionDir, Options{}); !errors.Is(err, ErrMissingSegment) {
			t.Errorf("Expected ErrMissingSegment, got %v", err)
		}
	})

	t.Run("overlap", func(t *testing.T) {
		dir := t.TempDir()
		a := writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0})
		b := writeSegmentFile(t, dir, "primary", 1, 8*time.Second, 20*time.Second, []time.Duration{8 * time.Second})
		sessionDir := buildSession(t, []types.Segment{a, b}, nil)

		if _, err := Stitch(testLogger(), sessionDir, Options{}); !errors.Is(err, ErrOverlap) {
			t.Errorf("Expected ErrOverlap, got %v", err)
		}
	})
}

// TestStitchRejectsActiveSession verifies only terminal sessions stitch.
func TestStitchRejectsActiveSession(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0})

	m := manifest.New("sess-live", "desk", dir)
	m.State = types.StateRecording
	m.AddTrack(types.Source{ID: "src-1", Kind: types.KindMonitor, Name: "Primary"}, "primary", types.AcceptedFormat{})
	m.AppendSegment(seg)
	if err := manifest.NewStore(dir).Save(m); err != nil {
		t.Fatalf("Failed to save manifest: %v", err)
	}

	if _, err := Stitch(testLogger(), dir, Options{}); err == nil {
		t.Error("Expected stitch of a recording session to fail")
	}
}

// TestStitchTruncatedTail verifies a truncated final segment stitches up to
// the last whole record and flags the output.
func TestStitchTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	good := writeSegmentFile(t, dir, "primary", 0, 0, 10*time.Second, []time.Duration{0, 5 * time.Second})

	// Second segment ends mid-record.
	partialPath := filepath.Join(dir, "primary_tail.mrc")
	data := chunkRecord(10*time.Second, []byte{0xAB})
	data = append(data, chunkRecord(12*time.Second, []byte{0xCD})[:chunkHeaderSize-4]...)
	if err := os.WriteFile(partialPath, data, 0o644); err != nil {
		t.Fatalf("Failed to write partial segment: %v", err)
	}
	partial := types.Segment{
		SourceID:  "src-1",
		Index:     1,
		Start:     10 * time.Second,
		End:       12 * time.Second,
		Path:      partialPath,
		Bytes:     int64(len(data)),
		Encoder:   types.EncoderParams{Codec: "rawchunk", Container: "mrc"},
		Truncated: true,
	}
	sessionDir := buildSession(t, []types.Segment{good, partial}, nil)

	res, err := Stitch(testLogger(), sessionDir, Options{Mode: ModeTrim})
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	tr := res.Tracks[0]
	if !tr.Truncated {
		t.Error("Expected truncated flag on the stitched track")
	}

	pts := readPTSs(t, tr.Path)
	if len(pts) != 3 {
		t.Errorf("Expected 3 whole records, got %d", len(pts))
	}
}

func TestStitchEmptyTrack(t *testing.T) {
	dir := t.TempDir()
	m := manifest.New("sess-empty", "desk", dir)
	m.State = types.StateFailed
	m.AddTrack(types.Source{ID: "src-1", Kind: types.KindMonitor, Name: "Primary"}, "primary", types.AcceptedFormat{})
	if err := manifest.NewStore(dir).Save(m); err != nil {
		t.Fatalf("Failed to save manifest: %v", err)
	}

	if _, err := Stitch(testLogger(), dir, Options{}); !errors.Is(err, ErrNoSegments) {
		t.Errorf("Expected ErrNoSegments, got %v", err)
	}
}

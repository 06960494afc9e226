// Package stitch assembles the segment files of a finalized session into one
// output file per track. It runs offline against the session manifest and
// never modifies its inputs.
package stitch

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nav9/multi-recorder/internal/manifest"
	"github.com/nav9/multi-recorder/internal/types"
)

// Mode selects how declared timeline gaps appear in the output.
type Mode string

const (
	// ModeExplicitGaps keeps original timestamps; gaps remain visible in the
	// output timeline and are listed in the stitch result.
	ModeExplicitGaps Mode = "explicit-gaps"

	// ModeTrim shifts timestamps so declared gaps collapse and playback is
	// continuous.
	ModeTrim Mode = "trim"
)

// timeline tolerance for boundary comparison between adjacent segments
const boundaryEpsilon = 50 * time.Millisecond

var (
	// ErrDuplicateSegment means two segments claim the same index.
	ErrDuplicateSegment = errors.New("duplicate segment index")

	// ErrMissingSegment means the index sequence has a hole.
	ErrMissingSegment = errors.New("missing segment index")

	// ErrUndeclaredGap means adjacent segments leave a timeline hole that no
	// recorded gap accounts for.
	ErrUndeclaredGap = errors.New("undeclared timeline gap")

	// ErrOverlap means adjacent segments overlap in session time.
	ErrOverlap = errors.New("overlapping segments")

	// ErrNoSegments means a track has nothing to stitch.
	ErrNoSegments = errors.New("track has no segments")
)

// Options configures one stitch run.
type Options struct {
	Mode   Mode
	OutDir string // defaults to <sessionDir>/stitched
}

// TrackResult describes one stitched output file.
type TrackResult struct {
	SourceID  string           `json:"source_id"`
	Kind      types.SourceKind `json:"kind"`
	Label     string           `json:"label"`
	Path      string           `json:"path"`
	Bytes     int64            `json:"bytes"`
	Segments  int              `json:"segments"`
	Gaps      []types.Gap      `json:"gaps,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
}

// Result is the stitch run summary, persisted next to the output files.
type Result struct {
	SessionID string        `json:"session_id"`
	Mode      Mode          `json:"mode"`
	Dir       string        `json:"dir"`
	CreatedAt time.Time     `json:"created_at"`
	Tracks    []TrackResult `json:"tracks"`
}

// ResultFileName is the stitch summary file inside the output directory.
const ResultFileName = "stitched.json"

// Stitch reads the manifest in sessionDir, validates every track's segment
// chain against its declared gaps, and concatenates each track into one file.
func Stitch(log *slog.Logger, sessionDir string, opts Options) (*Result, error) {
	man, err := manifest.Load(sessionDir)
	if err != nil {
		return nil, err
	}
	if !man.State.Terminal() {
		return nil, fmt.Errorf("session %s is not finalized (state %s)", man.SessionID, man.State)
	}
	if opts.Mode == "" {
		opts.Mode = ModeExplicitGaps
	}
	if opts.OutDir == "" {
		opts.OutDir = filepath.Join(sessionDir, "stitched")
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	result := &Result{
		SessionID: man.SessionID,
		Mode:      opts.Mode,
		Dir:       opts.OutDir,
		CreatedAt: time.Now().UTC(),
	}

	for _, id := range man.TrackIDs() {
		track := man.Tracks[id]
		tr, err := stitchTrack(log, track, opts)
		if err != nil {
			return nil, fmt.Errorf("track %s (%s): %w", track.Label, id, err)
		}
		result.Tracks = append(result.Tracks, *tr)
	}

	if err := writeResult(opts.OutDir, result); err != nil {
		return nil, err
	}
	log.Info("stitch complete",
		"session_id", man.SessionID,
		"mode", string(opts.Mode),
		"tracks", len(result.Tracks),
		"dir", opts.OutDir,
	)
	return result, nil
}

func stitchTrack(log *slog.Logger, track *manifest.Track, opts Options) (*TrackResult, error) {
	segs, err := orderedSegments(track)
	if err != nil {
		return nil, err
	}
	if err := validateTimeline(segs, track.Gaps); err != nil {
		return nil, err
	}

	ext := segs[0].Encoder.Container
	if ext == "" {
		ext = "bin"
	}
	outPath := filepath.Join(opts.OutDir, fmt.Sprintf("%s_stitched.%s", track.Label, ext))
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	gaps := sortedGaps(track.Gaps)
	var written int64
	truncated := false
	for _, seg := range segs {
		if seg.Truncated {
			truncated = true
		}
		n, err := appendSegment(out, seg, opts.Mode, gaps)
		if err != nil {
			return nil, err
		}
		written += n
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync output file: %w", err)
	}

	log.Debug("track stitched",
		"label", track.Label,
		"segments", len(segs),
		"bytes", written,
	)

	tr := &TrackResult{
		SourceID:  track.SourceID,
		Kind:      track.Kind,
		Label:     track.Label,
		Path:      outPath,
		Bytes:     written,
		Segments:  len(segs),
		Truncated: truncated,
	}
	if opts.Mode == ModeExplicitGaps {
		tr.Gaps = gaps
	}
	return tr, nil
}

// orderedSegments sorts by index and verifies the chain is complete.
func orderedSegments(track *manifest.Track) ([]types.Segment, error) {
	if len(track.Segments) == 0 {
		return nil, ErrNoSegments
	}
	segs := make([]types.Segment, len(track.Segments))
	copy(segs, track.Segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })

	for i := 1; i < len(segs); i++ {
		switch {
		case segs[i].Index == segs[i-1].Index:
			return nil, fmt.Errorf("%w: %d", ErrDuplicateSegment, segs[i].Index)
		case segs[i].Index != segs[i-1].Index+1:
			return nil, fmt.Errorf("%w: %d", ErrMissingSegment, segs[i-1].Index+1)
		}
	}
	return segs, nil
}

// validateTimeline checks that adjacent segments either touch or have their
// hole covered by a declared gap.
func validateTimeline(segs []types.Segment, gaps []types.Gap) error {
	for i := 1; i < len(segs); i++ {
		prev, next := segs[i-1], segs[i]
		if next.Start < prev.End-boundaryEpsilon {
			return fmt.Errorf("%w: segment %d starts at %v before segment %d ends at %v",
				ErrOverlap, next.Index, next.Start, prev.Index, prev.End)
		}
		hole := next.Start - prev.End
		if hole <= boundaryEpsilon {
			continue
		}
		if !gapCovers(gaps, prev.End, next.Start) {
			return fmt.Errorf("%w: %v between segments %d and %d",
				ErrUndeclaredGap, hole, prev.Index, next.Index)
		}
	}
	return nil
}

func gapCovers(gaps []types.Gap, from, to time.Duration) bool {
	for _, g := range gaps {
		if g.Start <= from+boundaryEpsilon && g.End >= to-boundaryEpsilon {
			return true
		}
	}
	return false
}

func sortedGaps(gaps []types.Gap) []types.Gap {
	out := make([]types.Gap, len(gaps))
	copy(out, gaps)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// appendSegment copies one segment into the output. Explicit-gap mode is a
// byte copy; trim mode rewrites each chunk record's timestamp, subtracting
// the duration of every declared gap that ended before it.
func appendSegment(out *os.File, seg types.Segment, mode Mode, gaps []types.Gap) (int64, error) {
	in, err := os.Open(seg.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %d: %w", seg.Index, err)
	}
	defer in.Close()

	if mode == ModeExplicitGaps {
		n, err := io.Copy(out, in)
		if err != nil {
			return n, fmt.Errorf("failed to copy segment %d: %w", seg.Index, err)
		}
		return n, nil
	}
	return rewriteChunks(out, in, seg, gaps)
}

// Chunk record layout mirrors the recorder's reference container:
// 4 bytes magic, 8 bytes PTS nanoseconds, 4 bytes payload length.
const (
	chunkMagic      = "MRCF"
	chunkHeaderSize = 16
)

func rewriteChunks(out *os.File, in *os.File, seg types.Segment, gaps []types.Gap) (int64, error) {
	var written int64
	header := make([]byte, chunkHeaderSize)
	for {
		if _, err := io.ReadFull(in, header); err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) && seg.Truncated {
				// A truncated tail is expected on a forced shutdown.
				return written, nil
			}
			return written, fmt.Errorf("segment %d: short record header: %w", seg.Index, err)
		}
		if string(header[0:4]) != chunkMagic {
			return written, fmt.Errorf("segment %d: bad record magic", seg.Index)
		}

		pts := time.Duration(binary.BigEndian.Uint64(header[4:12]))
		size := binary.BigEndian.Uint32(header[12:16])
		payload := make([]byte, size)
		if _, err := io.ReadFull(in, payload); err != nil {
			if seg.Truncated {
				return written, nil
			}
			return written, fmt.Errorf("segment %d: short record payload: %w", seg.Index, err)
		}

		binary.BigEndian.PutUint64(header[4:12], uint64(pts-gapShift(gaps, pts)))
		if _, err := out.Write(header); err != nil {
			return written, err
		}
		written += int64(len(header))
		if _, err := out.Write(payload); err != nil {
			return written, err
		}
		written += int64(len(payload))
	}
}

// gapShift returns the accumulated declared-gap time before pts.
func gapShift(gaps []types.Gap, pts time.Duration) time.Duration {
	var shift time.Duration
	for _, g := range gaps {
		if g.End <= pts {
			shift += g.End - g.Start
			continue
		}
		if g.Start < pts {
			shift += pts - g.Start
		}
	}
	return shift
}

func writeResult(dir string, r *Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stitch result: %w", err)
	}
	path := filepath.Join(dir, ResultFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write stitch result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace stitch result: %w", err)
	}
	return nil
}

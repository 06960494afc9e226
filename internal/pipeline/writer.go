package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nav9/multi-recorder/internal/types"
)

// ErrSegmentNotOpen is returned by Write or Roll without an open segment.
var ErrSegmentNotOpen = errors.New("no open segment")

// SegmentWriter owns the segment files of one source. Segments are numbered
// from zero, named <label>_<index>.<container>, and closed with an fsync so a
// crash after close never loses an acknowledged segment.
//
// The writer is single-goroutine: only the owning pipeline touches it.
type SegmentWriter struct {
	dir      string
	label    string
	sourceID string
	params   types.EncoderParams

	f     *os.File
	index int
	start time.Duration
	bytes int64
	open  bool
}

// NewSegmentWriter creates a writer that places segments for one source in
// dir. label is the sanitized source name used in file names.
func NewSegmentWriter(dir, label, sourceID string, params types.EncoderParams) *SegmentWriter {
	return &SegmentWriter{
		dir:      dir,
		label:    label,
		sourceID: sourceID,
		params:   params,
	}
}

// Opened reports whether a segment file is currently open.
func (w *SegmentWriter) Opened() bool { return w.open }

// SegmentStart returns the session time the open segment began at.
func (w *SegmentWriter) SegmentStart() time.Duration { return w.start }

// Open starts a new segment beginning at the given session time.
func (w *SegmentWriter) Open(start time.Duration) error {
	if w.open {
		return fmt.Errorf("segment %d already open", w.index)
	}

	f, err := os.OpenFile(w.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return types.NewSourceError(w.sourceID, types.ErrorIO,
			fmt.Errorf("failed to create segment file: %w", err))
	}

	w.f = f
	w.start = start
	w.bytes = 0
	w.open = true
	return nil
}

// Write appends encoded bytes to the open segment.
func (w *SegmentWriter) Write(data []byte) error {
	if !w.open {
		return ErrSegmentNotOpen
	}
	n, err := w.f.Write(data)
	w.bytes += int64(n)
	if err != nil {
		return types.NewSourceError(w.sourceID, types.ErrorIO,
			fmt.Errorf("failed to write segment %d: %w", w.index, err))
	}
	return nil
}

// Roll closes the open segment at the given session time and returns its
// descriptor. The next Open starts the following index.
func (w *SegmentWriter) Roll(end time.Duration) (types.Segment, error) {
	return w.close(end, false)
}

// Close finalizes the open segment, if any. truncated marks a segment whose
// pipeline did not shut down cleanly. Returns nil when nothing was open.
func (w *SegmentWriter) Close(end time.Duration, truncated bool) (*types.Segment, error) {
	if !w.open {
		return nil, nil
	}
	seg, err := w.close(end, truncated)
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

func (w *SegmentWriter) close(end time.Duration, truncated bool) (types.Segment, error) {
	if !w.open {
		return types.Segment{}, ErrSegmentNotOpen
	}

	path := w.path()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	w.f = nil
	w.open = false

	seg := types.Segment{
		SourceID:  w.sourceID,
		Index:     w.index,
		Start:     w.start,
		End:       end,
		Path:      path,
		Bytes:     w.bytes,
		Encoder:   w.params,
		Truncated: truncated,
	}
	w.index++

	if syncErr != nil {
		return seg, types.NewSourceError(w.sourceID, types.ErrorIO,
			fmt.Errorf("failed to sync segment %d: %w", seg.Index, syncErr))
	}
	if closeErr != nil {
		return seg, types.NewSourceError(w.sourceID, types.ErrorIO,
			fmt.Errorf("failed to close segment %d: %w", seg.Index, closeErr))
	}
	return seg, nil
}

func (w *SegmentWriter) path() string {
	ext := w.params.Container
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(w.dir, fmt.Sprintf("%s_%03d.%s", w.label, w.index, ext))
}

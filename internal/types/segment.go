package types

import "time"

// EncoderParams records how a segment was encoded, for the manifest.
type EncoderParams struct {
	Codec      string `json:"codec"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Container  string `json:"container,omitempty"`
	Parameters string `json:"parameters,omitempty"`
}

// Segment is one closed, timed chunk of encoded output for a source.
// Immutable once closed; the manifest references it, never copies the data.
type Segment struct {
	SourceID string        `json:"source_id"`
	Index    int           `json:"index"`
	Start    time.Duration `json:"start_ns"`
	End      time.Duration `json:"end_ns"`
	Path     string        `json:"path"`
	Bytes    int64         `json:"bytes"`
	Encoder  EncoderParams `json:"encoder"`

	// Truncated marks a segment whose pipeline failed to acknowledge a clean
	// shutdown within the grace period. Its tail may be incomplete.
	Truncated bool `json:"truncated,omitempty"`
}

// Duration returns the covered session time.
func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// Gap is a recorded discontinuity in a source's timeline, caused by pausing
// or by forced drops on an audio source.
type Gap struct {
	Start  time.Duration `json:"start_ns"`
	End    time.Duration `json:"end_ns"`
	Reason string        `json:"reason"` // "pause" or "overrun"
}

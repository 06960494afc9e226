// Package manifest defines the durable record of a recording session and its
// on-disk store. The manifest is the single source of truth about what was
// recorded: segments, gaps, formats, failures. After a crash it is what makes
// the session's output reconstructable.
package manifest

import (
	"sort"
	"time"

	"github.com/nav9/multi-recorder/internal/types"
)

// Track is the per-source recording record inside a manifest.
type Track struct {
	SourceID string               `json:"source_id"`
	Kind     types.SourceKind     `json:"kind"`
	Name     string               `json:"name"`
	Label    string               `json:"label"`
	Format   types.AcceptedFormat `json:"format"`
	Segments []types.Segment      `json:"segments,omitempty"`
	Gaps     []types.Gap          `json:"gaps,omitempty"`

	// Failure records why this track stopped early, empty for clean tracks.
	Failure     string          `json:"failure,omitempty"`
	FailureKind types.ErrorKind `json:"failure_kind,omitempty"`
}

// Manifest describes one session. It has exactly one writer, the session
// controller; everything else reads snapshots.
type Manifest struct {
	SessionID  string               `json:"session_id"`
	InstanceID string               `json:"instance_id,omitempty"`
	Dir        string               `json:"dir"`
	State      types.RecordingState `json:"state"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	StoppedAt  time.Time            `json:"stopped_at,omitempty"`
	Tracks     map[string]*Track    `json:"tracks"`
}

// New creates a manifest for a freshly armed session.
func New(sessionID, instanceID, dir string) *Manifest {
	return &Manifest{
		SessionID:  sessionID,
		InstanceID: instanceID,
		Dir:        dir,
		State:      types.StateArmed,
		CreatedAt:  time.Now().UTC(),
		Tracks:     make(map[string]*Track),
	}
}

// AddTrack registers a source in the manifest.
func (m *Manifest) AddTrack(src types.Source, label string, format types.AcceptedFormat) {
	m.Tracks[src.ID] = &Track{
		SourceID: src.ID,
		Kind:     src.Kind,
		Name:     src.Name,
		Label:    label,
		Format:   format,
	}
}

// AppendSegment records a closed segment on its track.
func (m *Manifest) AppendSegment(seg types.Segment) {
	if t, ok := m.Tracks[seg.SourceID]; ok {
		t.Segments = append(t.Segments, seg)
	}
}

// AppendGap records a timeline discontinuity on one track.
func (m *Manifest) AppendGap(sourceID string, gap types.Gap) {
	if t, ok := m.Tracks[sourceID]; ok {
		t.Gaps = append(t.Gaps, gap)
	}
}

// RecordFailure marks a track as failed.
func (m *Manifest) RecordFailure(sourceID string, kind types.ErrorKind, msg string) {
	if t, ok := m.Tracks[sourceID]; ok {
		t.Failure = msg
		t.FailureKind = kind
	}
}

// TrackIDs returns the source ids in deterministic order.
func (m *Manifest) TrackIDs() []string {
	ids := make([]string, 0, len(m.Tracks))
	for id := range m.Tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

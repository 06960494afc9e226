package types

import (
	"sync/atomic"
	"time"
)

// Frame is a single captured video frame or audio sample block.
//
// PTS is expressed relative to the session clock, never wall clock, so
// post-production can align tracks without drift correction. A frame is
// immutable once produced; ownership moves stage to stage through the
// pipeline and is never shared.
type Frame struct {
	// SourceID identifies the producing source
	SourceID string
	// Seq is the monotonic per-source sequence number
	Seq uint64
	// PTS is the capture timestamp on the session clock
	PTS time.Duration
	// Media is video or audio
	Media MediaKind
	// Data contains the raw payload
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Clock is the shared monotonic session clock. The base is set once when the
// session starts and is read-only afterwards; Now is safe for concurrent use
// from every pipeline.
type Clock struct {
	base atomic.Pointer[time.Time]
}

// NewClock returns an unstarted clock. Now reports zero until Start.
func NewClock() *Clock {
	return &Clock{}
}

// Start anchors the clock at the current instant.
func (c *Clock) Start() {
	now := time.Now()
	c.base.Store(&now)
}

// Started reports whether the clock has been anchored.
func (c *Clock) Started() bool {
	return c.base.Load() != nil
}

// Now returns the elapsed session time. time.Since uses the monotonic
// reading, so wall-clock adjustments never skew PTS values.
func (c *Clock) Now() time.Duration {
	base := c.base.Load()
	if base == nil {
		return 0
	}
	return time.Since(*base)
}

package types

// SourceKind identifies the class of a capturable source.
type SourceKind string

const (
	KindMonitor    SourceKind = "monitor"
	KindWindow     SourceKind = "window"
	KindWebcam     SourceKind = "webcam"
	KindMicrophone SourceKind = "microphone"
)

// MediaKind is the payload type a source produces.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Media returns the payload type produced by sources of this kind.
func (k SourceKind) Media() MediaKind {
	if k == KindMicrophone {
		return MediaAudio
	}
	return MediaVideo
}

// Capability describes what a source can deliver. Video sources fill the
// resolution/rate fields, audio sources the sample rate and channel count.
type Capability struct {
	MinWidth   int     `json:"min_width,omitempty"`
	MaxWidth   int     `json:"max_width,omitempty"`
	MinHeight  int     `json:"min_height,omitempty"`
	MaxHeight  int     `json:"max_height,omitempty"`
	MinFPS     float64 `json:"min_fps,omitempty"`
	MaxFPS     float64 `json:"max_fps,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`

	// PositionX/PositionY and Primary describe monitor geometry.
	PositionX int  `json:"position_x,omitempty"`
	PositionY int  `json:"position_y,omitempty"`
	Primary   bool `json:"primary,omitempty"`

	// Default and Loopback describe audio endpoints.
	Default  bool `json:"default,omitempty"`
	Loopback bool `json:"loopback,omitempty"`

	// Status reports probe results for webcams ("active", "busy").
	Status string `json:"status,omitempty"`
}

// Source is one capturable device or region known to the registry.
//
// The ID is unique for the process lifetime and is never reassigned to a
// different physical device. A disconnected source keeps its ID with
// Live=false so an active session can detect the loss explicitly instead of
// crashing on a missing id.
type Source struct {
	ID         string     `json:"id"`
	Kind       SourceKind `json:"kind"`
	Name       string     `json:"name"`
	Capability Capability `json:"capability"`
	Live       bool       `json:"live"`

	// Device is the OS-level address used by the capture backend
	// (e.g. "/dev/video0", a PulseAudio source name, a display name).
	Device string `json:"device,omitempty"`
}

// FormatRequest is what a session asks a source to deliver.
type FormatRequest struct {
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`

	// Region selects a sub-rectangle for monitor sources. Zero means full.
	Region *Region `json:"region,omitempty"`
}

// Region is a capture rectangle in pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AcceptedFormat is the format a source actually agreed to deliver. It may
// differ from the request (e.g. a webcam clamping FPS); downstream code must
// trust the accepted values, not the requested ones.
type AcceptedFormat struct {
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

// Package capture unifies heterogeneous acquisition models, pull-based
// screen grabs and push-based audio callbacks alike, behind one source
// contract so the session controller can treat every source the same way.
package capture

import (
	"context"
	"errors"

	"github.com/nav9/multi-recorder/internal/types"
)

// Source produces timestamped frames for exactly one registered source.
//
// Implementations must guarantee:
//   - Start() negotiates a format once and returns what will actually be
//     delivered; a format the device cannot satisfy is a FormatError, not a
//     silent adjustment.
//   - Read() blocks until a frame is available, the context ends, or the
//     stream terminates. Clean termination (captured window closed, device
//     unplugged mid-read with a clean tail) is types.ErrEndOfStream so the
//     pipeline finalizes instead of failing.
//   - Frames carry real capture timestamps on the session clock. A device
//     that degrades its native rate relabels frames with accurate PTS;
//     missing frames are never fabricated.
//   - Stop() is idempotent.
type Source interface {
	ID() string
	Kind() types.SourceKind
	Start(ctx context.Context, req types.FormatRequest) (types.AcceptedFormat, error)
	Read(ctx context.Context) (types.Frame, error)
	Stop() error
}

// ErrNotStarted is returned by Read before a successful Start.
var ErrNotStarted = errors.New("capture source not started")

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("capture source already started")

// OpenFunc builds a capture source for a registered device. The core wires a
// backend-specific implementation (synthetic or gst) into the session
// controller through this seam.
type OpenFunc func(src types.Source, clk *types.Clock) (Source, error)

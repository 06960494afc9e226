package capture

import (
	"fmt"

	"github.com/nav9/multi-recorder/internal/types"
)

// SyntheticOpener returns an OpenFunc producing synthetic sources for every
// kind. This is the default backend: it exercises the full pipeline without
// touching real devices and is what the test suite runs against.
func SyntheticOpener() OpenFunc {
	return func(src types.Source, clk *types.Clock) (Source, error) {
		switch src.Kind {
		case types.KindMonitor, types.KindWindow, types.KindWebcam:
			return NewSyntheticVideo(src.ID, src.Kind, clk), nil
		case types.KindMicrophone:
			return NewSyntheticAudio(src.ID, clk, 20), nil
		default:
			return nil, fmt.Errorf("unknown source kind %q", src.Kind)
		}
	}
}

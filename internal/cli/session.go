package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nav9/multi-recorder/internal/control"
	"github.com/nav9/multi-recorder/internal/session"
	"github.com/nav9/multi-recorder/internal/types"
)

// NewSourcesCmd lists the sources the daemon can record.
func NewSourcesCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List capturable sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := Do(deps, control.Command{Command: "list_sources"})
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
}

// NewStatusCmd shows the current session snapshot.
func NewStatusCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := Do(deps, control.Command{Command: "get_status"})
			if err != nil {
				return err
			}
			return printData(resp.Data)
		},
	}
}

// NewArmCmd prepares a session from a list of source ids.
func NewArmCmd(deps *Dependencies) *cobra.Command {
	var width, height, rate, channels int
	var fps float64

	cmd := &cobra.Command{
		Use:   "arm <source-id> [<source-id>...]",
		Short: "Arm a recording session on the given sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]session.SourceSpec, 0, len(args))
			for _, id := range args {
				specs = append(specs, session.SourceSpec{
					SourceID: strings.TrimSpace(id),
					Format: types.FormatRequest{
						Width:      width,
						Height:     height,
						FPS:        fps,
						SampleRate: rate,
						Channels:   channels,
					},
				})
			}
			resp, err := Do(deps, control.Command{Command: "arm", Sources: specs})
			if err != nil {
				return err
			}
			fmt.Printf("armed session %v with %d source(s)\n", resp.Data["session_id"], len(specs))
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 0, "Requested video width (0 = source default)")
	cmd.Flags().IntVar(&height, "height", 0, "Requested video height (0 = source default)")
	cmd.Flags().Float64Var(&fps, "fps", 0, "Requested frame rate (0 = source default)")
	cmd.Flags().IntVar(&rate, "sample-rate", 0, "Requested audio sample rate (0 = source default)")
	cmd.Flags().IntVar(&channels, "channels", 0, "Requested audio channels (0 = source default)")
	return cmd
}

// NewDisarmCmd cancels an armed session.
func NewDisarmCmd(deps *Dependencies) *cobra.Command {
	return simpleCmd(deps, "disarm", "Cancel the armed session")
}

// NewStartCmd starts recording on the armed session.
func NewStartCmd(deps *Dependencies) *cobra.Command {
	return simpleCmd(deps, "start", "Start recording on the armed session")
}

// NewPauseCmd pauses the active recording.
func NewPauseCmd(deps *Dependencies) *cobra.Command {
	return simpleCmd(deps, "pause", "Pause the active recording")
}

// NewResumeCmd resumes a paused recording.
func NewResumeCmd(deps *Dependencies) *cobra.Command {
	return simpleCmd(deps, "resume", "Resume a paused recording")
}

// NewStopCmd stops the active recording and finalizes the session.
func NewStopCmd(deps *Dependencies) *cobra.Command {
	return simpleCmd(deps, "stop", "Stop recording and finalize the session")
}

// NewShutdownCmd asks the daemon to shut down gracefully.
func NewShutdownCmd(deps *Dependencies) *cobra.Command {
	return simpleCmd(deps, "shutdown", "Shut the daemon down gracefully")
}

func simpleCmd(deps *Dependencies, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := Do(deps, control.Command{Command: name})
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", name, resp.Status)
			return nil
		},
	}
}

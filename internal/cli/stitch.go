package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nav9/multi-recorder/internal/stitch"
)

// NewStitchCmd assembles a finalized session directory into per-track output
// files. This runs locally against the manifest, no daemon required.
func NewStitchCmd(deps *Dependencies) *cobra.Command {
	var mode string
	var outDir string

	cmd := &cobra.Command{
		Use:   "stitch <session-dir>",
		Short: "Concatenate a finalized session's segments per track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			result, err := stitch.Stitch(log, args[0], stitch.Options{
				Mode:   stitch.Mode(mode),
				OutDir: outDir,
			})
			if err != nil {
				return err
			}

			for _, t := range result.Tracks {
				marker := ""
				if t.Truncated {
					marker = " (truncated)"
				}
				fmt.Printf("%-30s %2d segment(s) %10d bytes -> %s%s\n",
					t.Label, t.Segments, t.Bytes, t.Path, marker)
			}
			fmt.Printf("stitched %d track(s) into %s\n", len(result.Tracks), result.Dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(stitch.ModeExplicitGaps),
		"Gap handling: explicit-gaps keeps the original timeline, trim collapses declared gaps")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default <session-dir>/stitched)")
	return cmd
}

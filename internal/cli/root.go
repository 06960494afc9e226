// Package cli implements the multirecctl operator commands.
package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// Dependencies carries the shared settings every command needs.
type Dependencies struct {
	Broker   string
	Instance string
	Timeout  time.Duration
}

// NewRootCmd builds the multirecctl command tree.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "multirecctl",
		Short: "Control a running multi-recorder daemon",
		Long: "multirecctl talks to a multirecd instance over its MQTT control plane:\n" +
			"list sources, arm and drive recording sessions, and stitch finished\n" +
			"sessions into per-track output files.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&deps.Broker, "broker", "b", "localhost:1883", "MQTT broker host:port")
	rootCmd.PersistentFlags().StringVarP(&deps.Instance, "instance", "i", "default", "Recorder instance id")
	rootCmd.PersistentFlags().DurationVarP(&deps.Timeout, "timeout", "t", 10*time.Second, "Command response timeout")

	rootCmd.AddCommand(NewSourcesCmd(deps))
	rootCmd.AddCommand(NewStatusCmd(deps))
	rootCmd.AddCommand(NewArmCmd(deps))
	rootCmd.AddCommand(NewDisarmCmd(deps))
	rootCmd.AddCommand(NewStartCmd(deps))
	rootCmd.AddCommand(NewPauseCmd(deps))
	rootCmd.AddCommand(NewResumeCmd(deps))
	rootCmd.AddCommand(NewStopCmd(deps))
	rootCmd.AddCommand(NewShutdownCmd(deps))
	rootCmd.AddCommand(NewStitchCmd(deps))

	return rootCmd
}

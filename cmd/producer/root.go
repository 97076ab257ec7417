package main

import (
	"github.com/spf13/cobra"

	"github.com/book-expert/audio-producer/internal/audio"
)

// newRootCommand builds the CLI. A nil runner executes the real ffmpeg tools.
func newRootCommand(runner audio.Runner) *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag, runner)

	rootCmd := &cobra.Command{
		Use:           "producer",
		Short:         "Audio drama producer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			ctx.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to project.toml (defaults to the configurator search)")

	rootCmd.AddCommand(newRenderCommand(ctx))
	rootCmd.AddCommand(newEstimateCommand())
	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))

	return rootCmd
}

package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/braydenhuang/network-threat-detector/internal/client"
)

type commandContext struct {
	apiURL  string
	timeout time.Duration
	jsonOut bool
	noColor bool
	sleep   sleeper
}

func (c *commandContext) client() (*client.Client, error) {
	return client.New(c.apiURL, c.timeout)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&commandContext{sleep: sleepContext})
}

func newRootCommandWith(ctx *commandContext) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:           "ntdctl",
		Short:         "Inspect and drive the network threat detector",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	apiDefault := os.Getenv("DEFAULT_API_URL")
	if apiDefault == "" {
		apiDefault = client.DefaultBaseURL
	}
	rootCmd.PersistentFlags().StringVar(&ctx.apiURL, "api", apiDefault, "Gateway base URL (env DEFAULT_API_URL)")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 5*time.Minute, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOut, "json", false, "Print raw JSON responses")
	rootCmd.PersistentFlags().BoolVar(&ctx.noColor, "no-color", false, "Disable coloured output")

	rootCmd.AddCommand(
		newHealthCommand(ctx),
		newUploadCommand(ctx),
		newAssignmentCommand(ctx),
		newJobCommand(ctx),
		newWatchCommand(ctx),
	)
	return rootCmd
}

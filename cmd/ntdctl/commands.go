package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/braydenhuang/network-threat-detector/internal/client"
)

func (c *commandContext) painter(cmd *cobra.Command) painter {
	return painter{enabled: shouldColorize(cmd.OutOrStdout(), c.noColor)}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show whether the broker and object store are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			h, err := api.Health(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, h)
			}
			renderHealth(cmd.OutOrStdout(), h, ctx.painter(cmd))
			if !h.AllGood() {
				return errors.New("pipeline is not healthy")
			}
			return nil
		},
	}
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "upload <capture.pcap>",
		Short: "Upload a capture and start its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := api.Upload(cmd.Context(), args[0])
			var apiErr *client.APIError
			if err != nil && !errors.As(err, &apiErr) {
				return err
			}
			if ctx.jsonOut {
				if jerr := writeJSON(cmd, resp); jerr != nil {
					return jerr
				}
			} else {
				renderUpload(cmd.OutOrStdout(), resp, ctx.painter(cmd))
			}
			if err != nil {
				return err
			}
			if watch && resp.AssignmentID != nil {
				return watchAssignment(cmd, ctx, api, *resp.AssignmentID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the assignment until it finishes")
	return cmd
}

func newAssignmentCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "assignment <id>",
		Aliases: []string{"a"},
		Short:   "Show an assignment and its stages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			a, err := api.Assignment(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("assignment %s: %w", args[0], err)
			}
			if ctx.jsonOut {
				return writeJSON(cmd, a)
			}
			renderAssignment(cmd.OutOrStdout(), a, ctx.painter(cmd))
			return nil
		},
	}
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "job <id>",
		Aliases: []string{"j"},
		Short:   "Show a work item's status and result",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			j, err := api.Job(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			if ctx.jsonOut {
				return writeJSON(cmd, j)
			}
			renderJob(cmd.OutOrStdout(), j, ctx.painter(cmd), time.Now())
			return nil
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <assignment-id>",
		Short: "Poll an assignment until it is DONE or FAILED",
		Long: "Poll an assignment with a growing interval: 8 seconds at first, doubling\n" +
			"after every check up to 2048 seconds.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			return watchAssignment(cmd, ctx, api, args[0])
		},
	}
}

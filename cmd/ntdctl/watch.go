package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/braydenhuang/network-threat-detector/internal/client"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const (
	firstRefresh = 8 * time.Second
	maxRefresh   = 2048 * time.Second
)

var errAssignmentFailed = errors.New("assignment failed")

// sleeper waits for d or until ctx is done.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nextRefresh(d time.Duration) time.Duration {
	if d *= 2; d > maxRefresh {
		return maxRefresh
	}
	return d
}

// watchAssignment polls until the assignment is terminal. A FAILED
// assignment is reported as an error so scripts see a non-zero exit.
func watchAssignment(cmd *cobra.Command, ctx *commandContext, api *client.Client, id string) error {
	out := cmd.OutOrStdout()
	p := ctx.painter(cmd)
	delay := firstRefresh
	var last schema.AssignmentState

	for {
		a, err := api.Assignment(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", id, err)
		}
		switch {
		case ctx.jsonOut:
			if err := writeJSON(cmd, a); err != nil {
				return err
			}
		case a.State != last:
			renderAssignment(out, a, p)
		}
		last = a.State

		if a.State.Terminal() {
			if a.State == schema.StateFailed {
				return errAssignmentFailed
			}
			return showVerdict(cmd, ctx, api, a, p)
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Checking again in %s...\n", delay)
		if err := ctx.sleep(cmd.Context(), delay); err != nil {
			return err
		}
		delay = nextRefresh(delay)
	}
}

func showVerdict(cmd *cobra.Command, ctx *commandContext, api *client.Client, a schema.AssignmentResponse, p painter) error {
	stage, ok := a.StageByName(schema.StageInference)
	if !ok || stage.ID == nil {
		return nil
	}
	j, err := api.Job(cmd.Context(), *stage.ID)
	if err != nil {
		return fmt.Errorf("job %s: %w", *stage.ID, err)
	}
	if ctx.jsonOut {
		return writeJSON(cmd, j)
	}
	renderJob(cmd.OutOrStdout(), j, p, time.Now())
	return nil
}

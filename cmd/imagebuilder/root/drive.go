package root

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/provision"
	dm "github.com/andrej220/goldenimage/pkg/shared-models"
)

const defaultMaxInvocations = 50

// drive invokes exec until the run has no steps left, feeding each
// checkpoint into the next invocation. A lost session is survivable: its
// outcome still carries the unstarted steps.
func drive(ctx context.Context, exec invoker, inv provision.Invocation, maxInvocations int, after func(*provision.Outcome) error) (*provision.Outcome, int, error) {
	if inv.RunID == uuid.Nil {
		inv.RunID = uuid.New()
	}
	logger := lg.FromContext(ctx)
	var out *provision.Outcome
	for n := 1; n <= maxInvocations; n++ {
		var err error
		out, err = exec.Invoke(ctx, inv)
		if out != nil && after != nil {
			if aerr := after(out); aerr != nil {
				return out, n, errors.Join(err, aerr)
			}
		}
		switch {
		case err == nil && !out.Remaining:
			return out, n, nil
		case err == nil, errors.Is(err, provision.ErrSessionLost) && out != nil && out.Remaining:
			if err != nil {
				logger.Warn("session lost, resuming from checkpoint", lg.Err(err))
			}
		default:
			return out, n, err
		}
		if ctx.Err() != nil {
			return out, n, ctx.Err()
		}
		inv = provision.Invocation{RunID: inv.RunID, Target: inv.Target, Checkpoint: out.Checkpoint}
	}
	return out, maxInvocations, fmt.Errorf("run %s not finished after %d invocations", inv.RunID, maxInvocations)
}

func newDriveCmd(g *globalFlags, build builder) *cobra.Command {
	f := &invocationFlags{}
	var maxInvocations int
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Invoke repeatedly until the routine is drained",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := f.invocation()
			if err != nil {
				return err
			}
			if maxInvocations < 1 {
				return errors.New("--max-invocations must be at least 1")
			}
			s, err := g.settings()
			if err != nil {
				return err
			}
			logger := g.logger()
			exec, err := build(cmd.Context(), s, logger)
			if err != nil {
				return err
			}

			ctx := lg.Attach(cmd.Context(), logger)
			out, n, runErr := drive(ctx, exec, inv, maxInvocations, f.writeCheckpoint)
			resp := dm.NewInvokeResponse(dm.InvokeRequest{RunID: inv.RunID, Target: inv.Target}, out, runErr)
			if out != nil {
				resp.RunID = out.RunID
			}
			if err := printJSON(cmd.OutOrStdout(), struct {
				Invocations int `json:"invocations"`
				dm.InvokeResponse
			}{n, resp}); err != nil {
				return err
			}
			return runErr
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&maxInvocations, "max-invocations", defaultMaxInvocations, "Give up after this many invocations")
	return cmd
}

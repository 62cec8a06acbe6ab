package root

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/persistence"
	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/routine"
	dm "github.com/andrej220/goldenimage/pkg/shared-models"
)

type invocationFlags struct {
	host           string
	user           string
	credential     string
	routinePath    string
	checkpointPath string
	outPath        string
	runID          string
}

func (f *invocationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "Build host address, host or host:port")
	cmd.Flags().StringVar(&f.user, "user", "", "Login user, overriding the credential's")
	cmd.Flags().StringVar(&f.credential, "credential", "", "Credential reference (defaults to the host)")
	cmd.Flags().StringVarP(&f.routinePath, "routine", "r", "", "Routine file (YAML or JSON)")
	cmd.Flags().StringVar(&f.checkpointPath, "checkpoint", "", "Checkpoint from a previous invocation")
	cmd.Flags().StringVarP(&f.outPath, "out", "o", "", "Where to write the checkpoint when steps remain")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run identifier (generated when empty)")
}

func (f *invocationFlags) invocation() (provision.Invocation, error) {
	if f.host == "" {
		return provision.Invocation{}, errors.New("missing required flag: --host")
	}
	inv := provision.Invocation{Target: executor.Target{Address: f.host, User: f.user, CredentialRef: f.credential}}
	if inv.Target.CredentialRef == "" {
		inv.Target.CredentialRef = f.host
	}
	if f.runID != "" {
		id, err := uuid.Parse(f.runID)
		if err != nil {
			return provision.Invocation{}, fmt.Errorf("--run-id: %w", err)
		}
		inv.RunID = id
	}
	if f.routinePath != "" {
		steps, err := routine.LoadRoutineFile(f.routinePath)
		if err != nil {
			return provision.Invocation{}, fmt.Errorf("%w: %w", provision.ErrInvalidRoutine, err)
		}
		inv.Routine = steps
	}
	if f.checkpointPath != "" {
		data, err := os.ReadFile(f.checkpointPath)
		if err != nil {
			return provision.Invocation{}, fmt.Errorf("read checkpoint: %w", err)
		}
		inv.Checkpoint = data
	}
	return inv, nil
}

// writeCheckpoint stores the checkpoint of a run with steps left, and
// removes a stale one once the run is finished.
func (f *invocationFlags) writeCheckpoint(out *provision.Outcome) error {
	if f.outPath == "" || out == nil {
		return nil
	}
	if !out.Remaining {
		if err := os.Remove(f.outPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return persistence.WriteBytes(out.Checkpoint, f.outPath)
}

func newRunCmd(g *globalFlags, build builder) *cobra.Command {
	f := &invocationFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one time-boxed invocation and print its outcome",
		Long: "Runs steps from the checkpoint, or from the routine when no steps are pending,\n" +
			"until the budget is spent. Exits with status 3 when steps remain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := f.invocation()
			if err != nil {
				return err
			}
			s, err := g.settings()
			if err != nil {
				return err
			}
			exec, err := build(cmd.Context(), s, g.logger())
			if err != nil {
				return err
			}

			out, runErr := exec.Invoke(cmd.Context(), inv)
			if err := f.writeCheckpoint(out); err != nil {
				return errors.Join(runErr, err)
			}
			resp := dm.NewInvokeResponse(dm.InvokeRequest{RunID: inv.RunID, Target: inv.Target}, out, runErr)
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if out.Remaining {
				return ExitError{Code: ExitRemaining, Err: fmt.Errorf("%d steps remaining", len(out.State.Queue))}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// Package root holds the imagebuilder commands.
package root

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/andrej220/goldenimage/internal/app"
	"github.com/andrej220/goldenimage/pkg/config"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/provision"
)

// ExitError carries a process exit status for outcomes that are not
// failures of the command itself.
type ExitError struct {
	Code int
	Err  error
}

func (e ExitError) Error() string { return e.Err.Error() }
func (e ExitError) Unwrap() error { return e.Err }

// ExitRemaining is returned by run when the checkpoint still holds steps.
const ExitRemaining = 3

type invoker interface {
	Invoke(ctx context.Context, inv provision.Invocation) (*provision.Outcome, error)
}

type globalFlags struct {
	configPath string
	debug      bool
}

// builder opens the executor the commands run against. Tests swap it.
type builder func(ctx context.Context, s *config.Settings, logger lg.Logger) (invoker, error)

func buildExecutor(ctx context.Context, s *config.Settings, logger lg.Logger) (invoker, error) {
	return app.BuildExecutor(ctx, s, app.Options{Locks: provision.NewHostLocks()}, logger)
}

// NewRootCmd creates the root command for imagebuilder.
func NewRootCmd() *cobra.Command {
	return newRootCmd(buildExecutor)
}

func newRootCmd(build builder) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "imagebuilder",
		Short: "Provision golden-image build hosts in resumable, time-boxed invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "provisioner.yaml", "Path to settings file")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging on stderr")

	cmd.AddCommand(newRunCmd(g, build))
	cmd.AddCommand(newDriveCmd(g, build))
	cmd.AddCommand(newSummaryCmd())
	cmd.AddCommand(newSealCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command with provided args.
func Execute(args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func (g *globalFlags) logger() lg.Logger {
	if !g.debug {
		return lg.Discard
	}
	return lg.New(&lg.Config{ServiceName: "imagebuilder", Debug: true, Format: "console"})
}

func (g *globalFlags) settings() (*config.Settings, error) {
	if _, err := os.Stat(g.configPath); os.IsNotExist(err) {
		s := config.Defaults()
		return &s, nil
	}
	store, err := config.NewStore(config.FileStore, &config.FileConfig{Path: g.configPath})
	if err != nil {
		return nil, err
	}
	return config.Load(store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

package root

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andrej220/goldenimage/pkg/checkpoint"
	"github.com/andrej220/goldenimage/pkg/routine"
)

type checkpointSummary struct {
	Pending []routine.Step        `json:"pending"`
	Errors  []routine.ErrorRecord `json:"errors"`
	Summary string                `json:"summary"`
}

func summarize(data []byte, codecName string) (checkpointSummary, error) {
	codec, err := checkpoint.ForName(codecName)
	if err != nil {
		return checkpointSummary{}, err
	}
	st, err := codec.Decode(data)
	if err != nil {
		return checkpointSummary{}, err
	}
	return checkpointSummary{
		Pending: st.Queue,
		Errors:  st.Errors,
		Summary: routine.Summarize(st.Errors).String(),
	}, nil
}

func newSummaryCmd() *cobra.Command {
	var codecName string
	cmd := &cobra.Command{
		Use:   "summary CHECKPOINT",
		Short: "Print the pending steps and error log held by a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sum, err := summarize(data, codecName)
			if errors.Is(err, checkpoint.ErrCorrupt) {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().StringVar(&codecName, "codec", "json", "Checkpoint codec: json or cbor")
	return cmd
}

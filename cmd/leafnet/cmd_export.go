package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cropwatch/leafnet/checkpoints"
)

func newExportCmd(stdout, _ io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <checkpoint.json> <model.onnx>",
		Short: "Export a training checkpoint to ONNX",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runExport(stdout, args[0], args[1])
		},
	}
	return cmd
}

func runExport(stdout io.Writer, checkpointPath, outPath string) error {
	ckpt, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if err := checkpoints.ExportONNX(outPath, ckpt); err != nil {
		return fmt.Errorf("exporting: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %s (%d classes, image size %d)\n",
		outPath, ckpt.Spec.NumClasses, ckpt.Spec.ImageSize)
	return nil
}

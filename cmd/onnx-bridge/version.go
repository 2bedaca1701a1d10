package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/amikos-tech/onnx-bridge/config"
	"github.com/amikos-tech/onnx-bridge/engine/ortengine"
	"github.com/amikos-tech/onnx-bridge/ort"
)

func newVersionCmd(root *rootOptions) *cobra.Command {
	var withRuntime bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the onnx-bridge version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "onnx-bridge %s\n", version)
			if !withRuntime {
				return nil
			}
			return printRuntimeVersion(cmd.Context(), root.configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&withRuntime, "runtime", false, "Also load ONNX Runtime and print its version")
	return cmd
}

func printRuntimeVersion(ctx context.Context, configPath string, w io.Writer) (retErr error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	eng, err := ortengine.New(cfg.EngineOptions()...)
	if err != nil {
		return err
	}
	if err := eng.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Shutdown(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	_, err = fmt.Fprintf(w, "onnxruntime %s\n", ort.GetVersionString())
	return err
}

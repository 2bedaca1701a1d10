package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/amikos-tech/onnx-bridge/config"
	"github.com/amikos-tech/onnx-bridge/embeddings/minilm"
	"github.com/amikos-tech/onnx-bridge/engine/ortengine"
	"github.com/amikos-tech/onnx-bridge/gateway"
)

type embedOptions struct {
	*rootOptions
	model          string
	tokenizer      string
	tokenizerLib   string
	library        string
	sequenceLength int
}

func newEmbedCmd(root *rootOptions) *cobra.Command {
	opts := &embedOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "embed TEXT...",
		Short: "Embed text with an all-MiniLM-L6-v2 model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.model, "model", "", "Path to the ONNX model")
	cmd.Flags().StringVar(&opts.tokenizer, "tokenizer", "", "Path to tokenizer.json")
	cmd.Flags().StringVar(&opts.tokenizerLib, "tokenizer-library", "", "Path to the pure-tokenizers shared library")
	cmd.Flags().StringVar(&opts.library, "library", "", "Path to the ONNX Runtime shared library")
	cmd.Flags().IntVar(&opts.sequenceLength, "sequence-length", minilm.DefaultSequenceLength, "Token sequence length")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("tokenizer")
	return cmd
}

func (o *embedOptions) run(ctx context.Context, texts []string, stdout io.Writer) (retErr error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.library != "" {
		cfg.Runtime.LibraryPath = o.library
	}
	eng, err := ortengine.New(cfg.EngineOptions()...)
	if err != nil {
		return err
	}
	gw, err := gateway.New(eng, cfg.GatewayOptions()...)
	if err != nil {
		return err
	}
	defer func() {
		retErr = errors.Join(retErr, gw.Close(ctx))
	}()

	opts := []minilm.Option{minilm.WithSequenceLength(o.sequenceLength)}
	if o.tokenizerLib != "" {
		opts = append(opts, minilm.WithTokenizerLibraryPath(o.tokenizerLib))
	}
	embedder, err := minilm.NewEmbedder(ctx, gw, "minilm", o.model, o.tokenizer, opts...)
	if err != nil {
		return err
	}
	defer func() {
		retErr = errors.Join(retErr, embedder.Close(ctx))
	}()

	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	body, err := json.Marshal(vectors)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintf(stdout, "%s\n", body)
	return err
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/amikos-tech/onnx-bridge/config"
	"github.com/amikos-tech/onnx-bridge/engine/ortengine"
	"github.com/amikos-tech/onnx-bridge/gateway"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

// preloadLimit bounds how many models are created at once.
const preloadLimit = 4

type runOptions struct {
	*rootOptions
	models  []string
	key     string
	input   string
	outputs []string
	library string
	pretty  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one inference request read as JSON",
		Long: `Run loads the configured models, reads a request of the form
{"inputs": {"name": [...]}, "outputs": ["name"]} and prints the requested
outputs as JSON in request order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVarP(&opts.models, "model", "m", nil, "Model to load as key=path (repeatable)")
	cmd.Flags().StringVarP(&opts.key, "key", "k", "", "Model key to run; defaults to the only loaded model")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "Request file, - for stdin")
	cmd.Flags().StringArrayVarP(&opts.outputs, "output", "o", nil, "Output name to return (repeatable); overrides the request")
	cmd.Flags().StringVar(&opts.library, "library", "", "Path to the ONNX Runtime shared library")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Indent the JSON result")
	return cmd
}

func (o *runOptions) run(ctx context.Context, stdin io.Reader, stdout io.Writer) (retErr error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.library != "" {
		cfg.Runtime.LibraryPath = o.library
	}
	models, err := parseModels(o.models)
	if err != nil {
		return err
	}
	cfg.Models = append(cfg.Models, models...)
	if err := cfg.Validate(); err != nil {
		return err
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

	if err := preload(ctx, gw, cfg.Models); err != nil {
		return err
	}
	key, err := pickKey(o.key, cfg.Models)
	if err != nil {
		return err
	}

	in := stdin
	if o.input != "" && o.input != "-" {
		f, err := os.Open(o.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	return runRequest(ctx, gw, key, in, o.outputs, stdout, o.pretty)
}

// parseModels turns key=path flags into model entries.
func parseModels(flags []string) ([]config.ModelConfig, error) {
	models := make([]config.ModelConfig, 0, len(flags))
	for _, f := range flags {
		key, path, ok := strings.Cut(f, "=")
		key, path = strings.TrimSpace(key), strings.TrimSpace(path)
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("invalid --model %q, want key=path", f)
		}
		models = append(models, config.ModelConfig{Key: key, Path: path})
	}
	return models, nil
}

func pickKey(key string, models []config.ModelConfig) (string, error) {
	if key != "" {
		return key, nil
	}
	switch len(models) {
	case 0:
		return "", errors.New("no models configured; use --model key=path")
	case 1:
		return models[0].Key, nil
	}
	return "", fmt.Errorf("%d models loaded; choose one with --key", len(models))
}

func preload(ctx context.Context, gw *gateway.Gateway, models []config.ModelConfig) error {
	log := klog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadLimit)
	for _, m := range models {
		g.Go(func() error {
			if err := gw.LoadModel(gctx, m.Key, nil, m.Path); err != nil {
				return err
			}
			log.V(1).Info("model loaded", "key", m.Key, "path", m.Path)
			return nil
		})
	}
	return g.Wait()
}

type request struct {
	Inputs  map[string]any `json:"inputs"`
	Outputs []string       `json:"outputs"`
}

type outputJSON struct {
	Type  string  `json:"type"`
	Shape []int64 `json:"shape"`
	Data  any     `json:"data"`
}

// runRequest decodes one request from r, runs it under key and writes the
// outputs to w keyed by name in request order.
func runRequest(ctx context.Context, gw *gateway.Gateway, key string, r io.Reader, outputs []string, w io.Writer, pretty bool) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var req request
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if len(outputs) > 0 {
		req.Outputs = outputs
	}

	out, err := gw.RunInference(ctx, key, req.Inputs, req.Outputs)
	if err != nil {
		return err
	}

	result := orderedmap.New[string, outputJSON]()
	for pair := out.Oldest(); pair != nil; pair = pair.Next() {
		t := pair.Value.Tensor
		result.Set(pair.Key, outputJSON{
			Type:  t.ElementType().String(),
			Shape: []int64(t.Shape()),
			Data:  tensor.ToAny(pair.Value.Data),
		})
	}

	var body []byte
	if pretty {
		body, err = json.MarshalIndent(result, "", "  ")
	} else {
		body, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", body)
	return err
}

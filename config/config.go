// Package config loads the TOML configuration used by the onnx-bridge
// command and turns it into engine and gateway options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/amikos-tech/onnx-bridge/engine/ortengine"
	"github.com/amikos-tech/onnx-bridge/gateway"
	"github.com/amikos-tech/onnx-bridge/ort"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

// EnvPrefix prefixes environment overrides, e.g. ONNX_BRIDGE_TYPE_POLICY.
const EnvPrefix = "ONNX_BRIDGE_"

type Config struct {
	Runtime RuntimeConfig `toml:"runtime"`
	Session SessionConfig `toml:"session"`
	Codec   CodecConfig   `toml:"codec"`
	Models  []ModelConfig `toml:"models"`
}

// RuntimeConfig locates and tunes ONNX Runtime. Empty library_path means
// the library is bootstrapped into cache_dir.
type RuntimeConfig struct {
	LibraryPath       string `toml:"library_path"`
	CacheDir          string `toml:"cache_dir"`
	Version           string `toml:"version"`
	DisableDownload   bool   `toml:"disable_download"`
	LogLevel          string `toml:"log_level"`
	IntraOpThreads    int    `toml:"intra_op_threads"`
	InterOpThreads    int    `toml:"inter_op_threads"`
	GraphOptimization string `toml:"graph_optimization"`
}

type SessionConfig struct {
	// Concurrency is the number of runs admitted per session key.
	Concurrency int `toml:"concurrency"`
}

type CodecConfig struct {
	// TypePolicy is "float32" or "inspect".
	TypePolicy string `toml:"type_policy"`
}

// ModelConfig is a model preloaded at startup.
type ModelConfig struct {
	Key  string `toml:"key"`
	Path string `toml:"path"`
}

func Default() Config {
	return Config{
		Runtime: RuntimeConfig{LogLevel: "warning", GraphOptimization: "all"},
		Session: SessionConfig{Concurrency: 1},
		Codec:   CodecConfig{TypePolicy: "float32"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected. An empty path yields
// the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ONNX_BRIDGE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("LIBRARY_PATH", &c.Runtime.LibraryPath)
	str("LOG_LEVEL", &c.Runtime.LogLevel)
	str("GRAPH_OPTIMIZATION", &c.Runtime.GraphOptimization)
	str("TYPE_POLICY", &c.Codec.TypePolicy)
	return errors.Join(
		num("INTRA_OP_THREADS", &c.Runtime.IntraOpThreads),
		num("INTER_OP_THREADS", &c.Runtime.InterOpThreads),
		num("SESSION_CONCURRENCY", &c.Session.Concurrency),
	)
}

func (c Config) Validate() error {
	var errs []error
	if _, err := ort.ParseLoggingLevel(c.Runtime.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("runtime.log_level: %w", err))
	}
	if _, err := ort.ParseGraphOptimizationLevel(c.Runtime.GraphOptimization); err != nil {
		errs = append(errs, fmt.Errorf("runtime.graph_optimization: %w", err))
	}
	if c.Runtime.Version != "" {
		if _, err := ort.NormalizeRuntimeVersion(c.Runtime.Version); err != nil {
			errs = append(errs, fmt.Errorf("runtime.version: %w", err))
		}
	}
	if c.Runtime.IntraOpThreads < 0 || c.Runtime.InterOpThreads < 0 {
		errs = append(errs, errors.New("runtime thread counts must be >= 0"))
	}
	if c.Session.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("session.concurrency must be >= 1, got %d", c.Session.Concurrency))
	}
	if _, err := tensor.ParseTypePolicy(c.Codec.TypePolicy); err != nil {
		errs = append(errs, fmt.Errorf("codec.type_policy: %w", err))
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		switch {
		case strings.TrimSpace(m.Key) == "":
			errs = append(errs, fmt.Errorf("models[%d]: key is required", i))
		case seen[m.Key]:
			errs = append(errs, fmt.Errorf("models[%d]: duplicate key %q", i, m.Key))
		}
		seen[m.Key] = true
		if strings.TrimSpace(m.Path) == "" {
			errs = append(errs, fmt.Errorf("models[%d]: path is required", i))
		}
	}
	return errors.Join(errs...)
}

// EngineOptions translates the runtime section. c must be valid.
func (c Config) EngineOptions() []ortengine.Option {
	level, _ := ort.ParseLoggingLevel(c.Runtime.LogLevel)
	graph, _ := ort.ParseGraphOptimizationLevel(c.Runtime.GraphOptimization)
	opts := []ortengine.Option{
		ortengine.WithLogLevel(level),
		ortengine.WithGraphOptimizationLevel(graph),
		ortengine.WithThreads(c.Runtime.IntraOpThreads, c.Runtime.InterOpThreads),
	}
	if c.Runtime.LibraryPath != "" {
		return append(opts, ortengine.WithLibraryPath(c.Runtime.LibraryPath))
	}
	var boot []ort.BootstrapOption
	if c.Runtime.DisableDownload {
		boot = append(boot, ort.WithDownloadDisabled(true))
	}
	if c.Runtime.CacheDir != "" {
		boot = append(boot, ort.WithCacheDir(c.Runtime.CacheDir))
	}
	if c.Runtime.Version != "" {
		boot = append(boot, ort.WithVersion(c.Runtime.Version))
	}
	return append(opts, ortengine.WithBootstrap(boot...))
}

// GatewayOptions translates the session and codec sections. c must be
// valid.
func (c Config) GatewayOptions() []gateway.Option {
	policy, _ := tensor.ParseTypePolicy(c.Codec.TypePolicy)
	return []gateway.Option{
		gateway.WithTypePolicy(policy),
		gateway.WithSessionConcurrency(c.Session.Concurrency),
	}
}

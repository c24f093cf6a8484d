package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sessiond/internal/config"
	"sessiond/internal/session"
)

// options collects persistent flags and the per-command overrides that are
// merged over the config file.
type options struct {
	configPath string
	logLevel   string
	flags      config.Config
}

func buildRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "sessiond",
		Short:         "Stateful local LLM session engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("SESSIOND_CONFIG"), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error|off")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newInspectCmd(),
		newQuantizeCmd(),
		newConvertCmd(),
		newModelsCmd(opts),
	)
	return root
}

// resolve layers defaults, the config file and command-line flags, in that
// order.
func (o *options) resolve() (config.Config, error) {
	cfg := config.Config{Addr: ":8080", LogLevel: "info"}
	if o.configPath != "" {
		fc, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.Merge(fc)
	}
	cfg = cfg.Merge(o.flags)
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// sessionParams resolves cfg into session parameters. Flags given on the
// command line win even when their value is zero, which Merge reads as unset.
func (o *options) sessionParams(cmd *cobra.Command, cfg config.Config) (session.Params, error) {
	p, err := cfg.SessionParams()
	if err != nil {
		return p, err
	}
	fl, s := cmd.Flags(), o.flags.Sampling
	for name, apply := range map[string]func(){
		"initial-prompt": func() { p.InitialPrompt = o.flags.InitialPrompt },
		"max-tokens":     func() { p.MaxTokens = o.flags.MaxTokens },
		"keep":           func() { p.KeepTokens = o.flags.KeepTokens },
		"seed":           func() { p.Seed = o.flags.Seed },
		"gpu-layers":     func() { p.GPULayers = o.flags.GPULayers },
		"top-k":          func() { p.Sampling.TopK = s.TopK },
		"top-p":          func() { p.Sampling.TopP = float32(s.TopP) },
		"temp":           func() { p.Sampling.Temperature = float32(s.Temperature) },
		"repeat-penalty": func() { p.Sampling.RepeatPenalty = float32(s.RepeatPenalty) },
		"repeat-last-n":  func() { p.Sampling.RepeatLastN = s.RepeatLastN },
	} {
		if fl.Changed(name) {
			apply()
		}
	}
	return p, nil
}

// addSessionFlags binds the flags shared by serve and run.
func addSessionFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	f.StringVarP(&c.Model, "model", "m", "", "Model file to load")
	f.StringVar(&c.Preset, "preset", "", "Parameter preset: llama|alpaca|gpt4all (default llama)")
	f.StringVar(&c.Mode, "mode", "", "Prompt mode: regular|instructional")
	f.StringVar(&c.InitialPrompt, "initial-prompt", "", "Text fed once before the first prompt")
	f.StringSliceVar(&c.Antiprompts, "antiprompt", nil, "Stop when the output ends with this text (repeatable)")
	f.IntVarP(&c.ContextSize, "ctx-size", "c", 0, "Context window in tokens")
	f.IntVarP(&c.BatchSize, "batch-size", "b", 0, "Tokens per decode call")
	f.IntVarP(&c.Threads, "threads", "t", 0, "Decode threads")
	f.IntVarP(&c.MaxTokens, "max-tokens", "n", 0, "Tokens to generate per prompt (-1 unbounded)")
	f.IntVar(&c.KeepTokens, "keep", 0, "Tokens kept from the initial prompt on context shift (-1 all)")
	f.Int32Var(&c.Seed, "seed", 0, "RNG seed (-1 random)")
	f.StringVar(&c.SessionCache, "session-cache", "", "Session cache file for prompt reuse")
	f.StringVar(&c.LoraAdapter, "lora", "", "LoRA adapter applied after load")
	f.IntVar(&c.GPULayers, "gpu-layers", 0, "Layers offloaded to the GPU")
	f.IntVar(&c.Sampling.TopK, "top-k", 0, "Top-k sampling")
	f.Float64Var(&c.Sampling.TopP, "top-p", 0, "Top-p sampling")
	f.Float64Var(&c.Sampling.Temperature, "temp", 0, "Sampling temperature")
	f.Float64Var(&c.Sampling.RepeatPenalty, "repeat-penalty", 0, "Repetition penalty")
	f.IntVar(&c.Sampling.RepeatLastN, "repeat-last-n", 0, "Tokens considered by the repetition penalty")
}

func parseLogLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "off" {
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// newLogger writes human-readable lines to a terminal and JSON otherwise.
func newLogger(level string, w io.Writer) zerolog.Logger {
	out := w
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out = zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(parseLogLevel(level)).With().Timestamp().Logger()
}

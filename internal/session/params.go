package session

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"sessiond/internal/engine"
	"sessiond/internal/errkind"
)

// Mode selects how each prompt is wrapped before tokenization.
type Mode int

const (
	// Regular feeds prompts verbatim.
	Regular Mode = iota
	// Instructional wraps each prompt in PromptPrefix and PromptSuffix.
	Instructional
)

func (m Mode) String() string {
	if m == Instructional {
		return "instructional"
	}
	return "regular"
}

// ParseMode accepts "regular" or "instructional" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "regular":
		return Regular, nil
	case "instructional", "instruct":
		return Instructional, nil
	}
	return Regular, errkind.New(errkind.InvalidArguments, fmt.Sprintf("unknown mode %q", s))
}

// Params configure a Session. They are copied into the ModelContext at load
// time and never change afterwards.
type Params struct {
	Mode          Mode
	ModelPath     string
	InitialPrompt string
	PromptPrefix  string
	PromptSuffix  string
	Antiprompts   []string

	ContextSize int
	BatchSize   int
	Threads     int
	// MaxTokens is the output budget per prediction; -1 means unbounded.
	MaxTokens int
	// KeepTokens is how many leading tokens survive a context shift; -1 keeps
	// the initial prompt.
	KeepTokens int
	Seed       int32

	SessionCachePath string
	LoraAdapter      string
	GPULayers        int

	Sampling engine.SamplingParams
}

const (
	defaultContextSize = 512
	defaultBatchSize   = 512
	defaultMaxTokens   = 128
	defaultRepeatLastN = 64
)

// DefaultThreads is min(NumCPU-2, 6), at least 1.
func DefaultThreads() int {
	n := runtime.NumCPU() - 2
	if n > 6 {
		n = 6
	}
	if n < 1 {
		n = 1
	}
	return n
}

const (
	alpacaInitialPrompt = "Below is an instruction that describes a task. Write a response that appropriately completes the request."
	alpacaPrefix        = "\n\n### Instruction:\n\n"
	alpacaSuffix        = "\n\n### Response:\n\n"
	alpacaAntiprompt    = "### Instruction:\n\n"
)

var presets = map[string]func() Params{
	"llama": func() Params {
		return Params{
			Mode:        Regular,
			ContextSize: defaultContextSize,
			BatchSize:   defaultBatchSize,
			MaxTokens:   defaultMaxTokens,
			KeepTokens:  -1,
			Seed:        -1,
			Sampling: engine.SamplingParams{
				TopK: 40, TopP: 0.95, Temperature: 0.8, RepeatPenalty: 1.1, RepeatLastN: defaultRepeatLastN,
			},
		}
	},
	"alpaca": func() Params {
		return Params{
			Mode:          Instructional,
			InitialPrompt: alpacaInitialPrompt,
			PromptPrefix:  alpacaPrefix,
			PromptSuffix:  alpacaSuffix,
			Antiprompts:   []string{alpacaAntiprompt},
			ContextSize:   2048,
			BatchSize:     256,
			MaxTokens:     512,
			KeepTokens:    -1,
			Seed:          -1,
			Sampling: engine.SamplingParams{
				TopK: 10000, TopP: 0.95, Temperature: 0.2, RepeatPenalty: 1.0, RepeatLastN: defaultRepeatLastN,
			},
		}
	},
	"gpt4all": func() Params {
		return Params{
			Mode:          Instructional,
			InitialPrompt: alpacaInitialPrompt,
			PromptPrefix:  alpacaPrefix,
			PromptSuffix:  alpacaSuffix,
			Antiprompts:   []string{alpacaAntiprompt},
			ContextSize:   2048,
			BatchSize:     8,
			MaxTokens:     128,
			KeepTokens:    -1,
			Seed:          -1,
			Sampling: engine.SamplingParams{
				TopK: 40, TopP: 0.95, Temperature: 0.1, RepeatPenalty: 1.3, RepeatLastN: 64,
			},
		}
	},
}

// DefaultParams returns the "llama" preset for modelPath.
func DefaultParams(modelPath string) Params {
	p := presets["llama"]()
	p.ModelPath = modelPath
	p.Threads = DefaultThreads()
	return p
}

// Preset returns the named preset with default threads and no model path.
func Preset(name string) (Params, error) {
	fn, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Params{}, errkind.New(errkind.InvalidArguments,
			fmt.Sprintf("unknown preset %q (want one of %s)", name, strings.Join(PresetNames(), ", ")))
	}
	p := fn()
	p.Threads = DefaultThreads()
	return p, nil
}

// PresetNames lists the preset names in order.
func PresetNames() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate rejects parameters a load could never succeed with.
func (p Params) Validate() error {
	var bad []string
	if strings.TrimSpace(p.ModelPath) == "" {
		bad = append(bad, "model path is required")
	}
	if p.ContextSize <= 4 {
		bad = append(bad, fmt.Sprintf("context size must be > 4, got %d", p.ContextSize))
	}
	if p.BatchSize < 0 {
		bad = append(bad, "batch size must not be negative")
	}
	if p.Threads < 0 {
		bad = append(bad, "threads must not be negative")
	}
	if p.MaxTokens < -1 {
		bad = append(bad, "max tokens must be -1 (unbounded) or more")
	}
	if p.KeepTokens < -1 {
		bad = append(bad, "keep tokens must be -1 (initial prompt) or more")
	}
	if p.Sampling.RepeatLastN < 0 || p.GPULayers < 0 {
		bad = append(bad, "repeat-last-n and gpu layers must not be negative")
	}
	for _, a := range p.Antiprompts {
		if a == "" {
			bad = append(bad, "antiprompts must not be empty strings")
			break
		}
	}
	if len(bad) > 0 {
		return errkind.New(errkind.InvalidArguments, "invalid session params: "+strings.Join(bad, "; "))
	}
	return nil
}

// withDefaults fills zero values and returns a deep copy.
func (p Params) withDefaults() Params {
	if p.Threads == 0 {
		p.Threads = DefaultThreads()
	}
	if p.BatchSize == 0 || p.BatchSize > p.ContextSize {
		p.BatchSize = min(defaultBatchSize, p.ContextSize)
	}
	if p.Sampling.RepeatLastN == 0 {
		p.Sampling.RepeatLastN = defaultRepeatLastN
	}
	p.Antiprompts = append([]string(nil), p.Antiprompts...)
	return p
}

func (p Params) engineParams() engine.Params {
	return engine.Params{
		ModelPath:   p.ModelPath,
		ContextSize: p.ContextSize,
		BatchSize:   p.BatchSize,
		Threads:     p.Threads,
		Seed:        p.Seed,
		GPULayers:   p.GPULayers,
		LoraAdapter: p.LoraAdapter,
		Sampling:    p.Sampling,
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"sessiond/internal/common/fsutil"
	"sessiond/internal/session"
)

// Sampling overrides the preset's sampling parameters. Zero values keep the preset.
type Sampling struct {
	TopK          int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP          float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	RepeatPenalty float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by the preset or by flag defaults in main.
type Config struct {
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir   string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	SnapshotsDB string   `json:"snapshots_db" yaml:"snapshots_db" toml:"snapshots_db"`
	CacheDir    string   `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`

	Model         string   `json:"model" yaml:"model" toml:"model"`
	Preset        string   `json:"preset" yaml:"preset" toml:"preset"`
	Mode          string   `json:"mode" yaml:"mode" toml:"mode"`
	InitialPrompt string   `json:"initial_prompt" yaml:"initial_prompt" toml:"initial_prompt"`
	PromptPrefix  string   `json:"prompt_prefix" yaml:"prompt_prefix" toml:"prompt_prefix"`
	PromptSuffix  string   `json:"prompt_suffix" yaml:"prompt_suffix" toml:"prompt_suffix"`
	Antiprompts   []string `json:"antiprompts" yaml:"antiprompts" toml:"antiprompts"`
	ContextSize   int      `json:"context_size" yaml:"context_size" toml:"context_size"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Threads       int      `json:"threads" yaml:"threads" toml:"threads"`
	// MaxTokens 0 keeps the preset; -1 is unbounded.
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	KeepTokens   int      `json:"keep_tokens" yaml:"keep_tokens" toml:"keep_tokens"`
	Seed         int32    `json:"seed" yaml:"seed" toml:"seed"`
	SessionCache string   `json:"session_cache" yaml:"session_cache" toml:"session_cache"`
	LoraAdapter  string   `json:"lora_adapter" yaml:"lora_adapter" toml:"lora_adapter"`
	GPULayers    int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Sampling     Sampling `json:"sampling" yaml:"sampling" toml:"sampling"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of o applied on top.
func (c Config) Merge(o Config) Config {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	flt := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	str(&c.Addr, o.Addr)
	str(&c.ModelsDir, o.ModelsDir)
	str(&c.SnapshotsDB, o.SnapshotsDB)
	str(&c.CacheDir, o.CacheDir)
	str(&c.LogLevel, o.LogLevel)
	str(&c.Model, o.Model)
	str(&c.Preset, o.Preset)
	str(&c.Mode, o.Mode)
	str(&c.InitialPrompt, o.InitialPrompt)
	str(&c.PromptPrefix, o.PromptPrefix)
	str(&c.PromptSuffix, o.PromptSuffix)
	str(&c.SessionCache, o.SessionCache)
	str(&c.LoraAdapter, o.LoraAdapter)
	num(&c.ContextSize, o.ContextSize)
	num(&c.BatchSize, o.BatchSize)
	num(&c.Threads, o.Threads)
	num(&c.MaxTokens, o.MaxTokens)
	num(&c.KeepTokens, o.KeepTokens)
	num(&c.GPULayers, o.GPULayers)
	num(&c.Sampling.TopK, o.Sampling.TopK)
	num(&c.Sampling.RepeatLastN, o.Sampling.RepeatLastN)
	flt(&c.Sampling.TopP, o.Sampling.TopP)
	flt(&c.Sampling.Temperature, o.Sampling.Temperature)
	flt(&c.Sampling.RepeatPenalty, o.Sampling.RepeatPenalty)
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if len(o.Antiprompts) > 0 {
		c.Antiprompts = append([]string(nil), o.Antiprompts...)
	}
	if len(o.CORSOrigins) > 0 {
		c.CORSOrigins = append([]string(nil), o.CORSOrigins...)
	}
	return c
}

// SessionParams resolves the preset (llama when unset) and applies every
// configured override. Paths may start with "~".
func (c Config) SessionParams() (session.Params, error) {
	name := c.Preset
	if name == "" {
		name = "llama"
	}
	p, err := session.Preset(name)
	if err != nil {
		return p, err
	}
	model, err := fsutil.ExpandHome(c.Model)
	if err != nil {
		return p, err
	}
	p.ModelPath = model
	if c.Mode != "" {
		if p.Mode, err = session.ParseMode(c.Mode); err != nil {
			return p, err
		}
	}
	if c.InitialPrompt != "" {
		p.InitialPrompt = c.InitialPrompt
	}
	if c.PromptPrefix != "" {
		p.PromptPrefix = c.PromptPrefix
	}
	if c.PromptSuffix != "" {
		p.PromptSuffix = c.PromptSuffix
	}
	if len(c.Antiprompts) > 0 {
		p.Antiprompts = append([]string(nil), c.Antiprompts...)
	}
	if c.ContextSize != 0 {
		p.ContextSize = c.ContextSize
	}
	if c.BatchSize != 0 {
		p.BatchSize = c.BatchSize
	}
	if c.Threads != 0 {
		p.Threads = c.Threads
	}
	if c.MaxTokens != 0 {
		p.MaxTokens = c.MaxTokens
	}
	if c.KeepTokens != 0 {
		p.KeepTokens = c.KeepTokens
	}
	if c.Seed != 0 {
		p.Seed = c.Seed
	}
	if c.GPULayers != 0 {
		p.GPULayers = c.GPULayers
	}
	if c.SessionCache != "" {
		if p.SessionCachePath, err = fsutil.ExpandHome(c.SessionCache); err != nil {
			return p, err
		}
	}
	if c.LoraAdapter != "" {
		if p.LoraAdapter, err = fsutil.ExpandHome(c.LoraAdapter); err != nil {
			return p, err
		}
	}
	s := c.Sampling
	if s.TopK != 0 {
		p.Sampling.TopK = s.TopK
	}
	if s.TopP != 0 {
		p.Sampling.TopP = float32(s.TopP)
	}
	if s.Temperature != 0 {
		p.Sampling.Temperature = float32(s.Temperature)
	}
	if s.RepeatPenalty != 0 {
		p.Sampling.RepeatPenalty = float32(s.RepeatPenalty)
	}
	if s.RepeatLastN != 0 {
		p.Sampling.RepeatLastN = s.RepeatLastN
	}
	return p, nil
}

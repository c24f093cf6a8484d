package modelutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"sessiond/internal/errkind"
)

// Files a PyTorch checkpoint directory must hold besides its parts.
const (
	ParamsFile    = "params.json"
	TokenizerFile = "tokenizer.model"
)

// PythonDeps are the packages the PyTorch-to-ggml script imports.
var PythonDeps = []string{"numpy", "sentencepiece", "torch"}

// CheckpointParts is the number of consolidated.0N.pth files each model type
// is published with.
func CheckpointParts(t ModelType) int {
	switch t {
	case Type7B:
		return 1
	case Type13B:
		return 2
	case Type30B:
		return 4
	case Type65B:
		return 8
	}
	return 0
}

func checkpointFile(i int) string { return fmt.Sprintf("consolidated.%02d.pth", i) }

// ConversionFile is one required input and whether it was found.
type ConversionFile struct {
	Path  string
	Found bool
}

// ValidateConversionDir checks dir for the params, tokenizer and checkpoint
// files of model type t. The file list is returned even when some are missing;
// the error is InvalidArguments naming them.
func ValidateConversionDir(dir string, t ModelType) ([]ConversionFile, error) {
	parts := CheckpointParts(t)
	if parts == 0 {
		return nil, errkind.New(errkind.ModelTypeUndetermined, fmt.Sprintf("convert: unknown model type %q", t))
	}
	names := []string{ParamsFile, TokenizerFile}
	for i := 0; i < parts; i++ {
		names = append(names, checkpointFile(i))
	}
	files := make([]ConversionFile, 0, len(names))
	var missing []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		fi, err := os.Stat(p)
		found := err == nil && !fi.IsDir()
		files = append(files, ConversionFile{Path: p, Found: found})
		if !found {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return files, errkind.New(errkind.InvalidArguments,
			fmt.Sprintf("convert: %s is missing %s", dir, strings.Join(missing, ", ")))
	}
	return files, nil
}

// TypeFromParams reads the layer count from dir's params.json.
func TypeFromParams(dir string) (ModelType, error) {
	b, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	if err != nil {
		return TypeUnknown, errkind.Wrap(errkind.InvalidArguments, "convert: read "+ParamsFile, err)
	}
	var params struct {
		Layers uint32 `json:"n_layers"`
	}
	if err := json.Unmarshal(b, &params); err != nil {
		return TypeUnknown, errkind.Wrap(errkind.InvalidArguments, "convert: parse "+ParamsFile, err)
	}
	t := Header{Layers: params.Layers}.Type()
	if t == TypeUnknown {
		return t, errkind.New(errkind.ModelTypeUndetermined, fmt.Sprintf("convert: no model type has %d layers", params.Layers))
	}
	return t, nil
}

// ConversionStep names a stage of the conversion pipeline.
type ConversionStep string

const (
	StepCheckEnvironment    ConversionStep = "check_environment"
	StepInstallDependencies ConversionStep = "install_dependencies"
	StepCheckDependencies   ConversionStep = "check_dependencies"
	StepConvertModel        ConversionStep = "convert_model"
	StepQuantizeModel       ConversionStep = "quantize_model"
)

// ConversionSteps lists the steps in the order they run.
var ConversionSteps = []ConversionStep{
	StepCheckEnvironment, StepInstallDependencies, StepCheckDependencies, StepConvertModel, StepQuantizeModel,
}

// StepState is where a step stands.
type StepState string

const (
	StepNotStarted StepState = "not_started"
	StepRunning    StepState = "running"
	StepSucceeded  StepState = "succeeded"
	StepFailed     StepState = "failed"
	StepSkipped    StepState = "skipped"
)

// StepReport is sent to Converter.Progress on every state change.
type StepReport struct {
	Step  ConversionStep
	State StepState
	Err   error
}

// ConversionResult is the quantized model a conversion produced.
type ConversionResult struct {
	Output string
	Steps  []StepReport
}

// CleanUp removes the output file.
func (r *ConversionResult) CleanUp() error {
	if err := os.Remove(r.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Converter turns a PyTorch checkpoint directory into a quantized ggml model:
// check the python environment, install and check the script's dependencies,
// convert to f16, then quantize. The f16 intermediate is removed afterwards.
type Converter struct {
	// Python defaults to python3.
	Python string
	// Script is llama.cpp's convert-pth-to-ggml.py.
	Script string
	// QuantType defaults to q4_0.
	QuantType string
	// SkipInstall leaves the pip install step out; dependencies are still checked.
	SkipInstall bool
	Quantizer   Quantizer
	// Output receives the commands run and their output.
	Output   io.Writer
	Progress func(StepReport)
}

// step passes a path along the pipeline: the checkpoint directory through the
// environment checks, then the f16 file, then the quantized file.
type step struct {
	name    ConversionStep
	run     func(ctx context.Context, in string) (string, error)
	cleanUp func(out string) error
}

// Convert runs the pipeline for the checkpoint in dir. A failed step skips the
// rest; the cleanups of finished steps run in either case.
func (c Converter) Convert(ctx context.Context, dir string, t ModelType) (*ConversionResult, error) {
	if strings.TrimSpace(c.Script) == "" {
		return nil, errkind.New(errkind.InvalidArguments, "convert: conversion script is required")
	}
	if _, err := os.Stat(c.Script); err != nil {
		return nil, errkind.Wrap(errkind.InvalidArguments, "convert: script "+c.Script, err)
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.QuantType == "" {
		c.QuantType = "q4_0"
	}
	if !QuantizeTypes[strings.ToLower(c.QuantType)] {
		return nil, errkind.New(errkind.InvalidArguments, fmt.Sprintf("convert: unknown type %q (want one of %s)", c.QuantType, typeList()))
	}
	if _, err := ValidateConversionDir(dir, t); err != nil {
		return nil, err
	}
	if c.Quantizer.Output == nil {
		c.Quantizer.Output = c.Output
	}

	res := &ConversionResult{}
	report := func(name ConversionStep, st StepState, err error) {
		r := StepReport{Step: name, State: st, Err: err}
		if st != StepRunning {
			res.Steps = append(res.Steps, r)
		}
		if c.Progress != nil {
			c.Progress(r)
		}
	}

	var (
		in       = dir
		done     []step
		outs     []string
		failure  error
		failStep ConversionStep
	)
	for _, s := range c.steps() {
		if failure != nil {
			report(s.name, StepSkipped, nil)
			continue
		}
		if err := ctx.Err(); err != nil {
			failure, failStep = err, s.name
			report(s.name, StepFailed, err)
			continue
		}
		report(s.name, StepRunning, nil)
		out, err := s.run(ctx, in)
		if err != nil {
			failure, failStep = err, s.name
			report(s.name, StepFailed, err)
			continue
		}
		report(s.name, StepSucceeded, nil)
		done, outs, in = append(done, s), append(outs, out), out
	}

	var cleanErr error
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].cleanUp == nil {
			continue
		}
		if err := done[i].cleanUp(outs[i]); err != nil {
			cleanErr = errors.Join(cleanErr, fmt.Errorf("clean up %s: %w", done[i].name, err))
		}
	}
	if failure != nil {
		return nil, errkind.Wrap(errkind.ConversionFailed, "convert: "+string(failStep), errors.Join(failure, cleanErr))
	}
	res.Output = in
	if cleanErr != nil {
		return res, errkind.Wrap(errkind.ConversionFailed, "convert", cleanErr)
	}
	return res, nil
}

func (c Converter) steps() []step {
	steps := []step{{
		name: StepCheckEnvironment,
		run: func(_ context.Context, dir string) (string, error) {
			if _, err := exec.LookPath(c.Python); err != nil {
				return "", err
			}
			return dir, nil
		},
	}}
	if !c.SkipInstall {
		steps = append(steps, step{
			name: StepInstallDependencies,
			run: func(ctx context.Context, dir string) (string, error) {
				return dir, c.run(ctx, dir, c.Python, append([]string{"-u", "-m", "pip", "install"}, PythonDeps...)...)
			},
		})
	}
	steps = append(steps,
		step{
			name: StepCheckDependencies,
			run: func(ctx context.Context, dir string) (string, error) {
				for _, dep := range PythonDeps {
					if err := c.run(ctx, dir, c.Python, "-u", "-m", "pip", "show", dep); err != nil {
						return "", fmt.Errorf("%s: %w", dep, err)
					}
				}
				return dir, nil
			},
		},
		step{
			name: StepConvertModel,
			run: func(ctx context.Context, dir string) (string, error) {
				// ftype 1 is f16
				if err := c.run(ctx, dir, c.Python, "-u", c.Script, dir, "1"); err != nil {
					return "", err
				}
				out := filepath.Join(dir, "ggml-model-f16.bin")
				if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
					return "", fmt.Errorf("no output written to %s: %w", out, statErr(err))
				}
				return out, nil
			},
			cleanUp: os.Remove,
		},
		step{
			name: StepQuantizeModel,
			run: func(ctx context.Context, f16 string) (string, error) {
				qt := strings.ToLower(c.QuantType)
				out := filepath.Join(filepath.Dir(f16), "ggml-model-"+qt+".bin")
				return out, c.Quantizer.Quantize(ctx, f16, out, qt)
			},
		},
	)
	return steps
}

func (c Converter) run(ctx context.Context, dir, name string, args ...string) error {
	if c.Output != nil {
		fmt.Fprintf(c.Output, "> %s %s\n", name, strings.Join(args, " "))
	}
	return runTool(ctx, dir, c.Output, name, args...)
}

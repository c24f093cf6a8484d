package modelutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"sessiond/internal/errkind"
)

// QuantizeTypes lists the accepted quantization types, lower-case.
var QuantizeTypes = map[string]bool{
	"q4_0": true, "q4_1": true, "q5_0": true, "q5_1": true, "q8_0": true,
	"q2_k": true, "q3_k_m": true, "q4_k_m": true, "q5_k_m": true, "q6_k": true,
	"f16": true,
}

// Quantizer runs the llama.cpp quantize tool. Bin overrides discovery;
// Output, when set, receives the tool's stdout and stderr as they are written.
type Quantizer struct {
	Bin    string
	Output io.Writer
}

// Quantize converts src into dst using the quantize tool found on this host.
func Quantize(ctx context.Context, src, dst, quantType string) error {
	return Quantizer{}.Quantize(ctx, src, dst, quantType)
}

// Quantize validates its arguments, runs the tool and checks that dst exists.
// Failures carry QuantizationFailed with the tail of the tool's stderr.
func (q Quantizer) Quantize(ctx context.Context, src, dst, quantType string) error {
	qt := strings.ToLower(strings.TrimSpace(quantType))
	switch {
	case strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "":
		return errkind.New(errkind.InvalidArguments, "quantize: source and destination are required")
	case !QuantizeTypes[qt]:
		return errkind.New(errkind.InvalidArguments, fmt.Sprintf("quantize: unknown type %q (want one of %s)", quantType, typeList()))
	case filepath.Clean(src) == filepath.Clean(dst):
		return errkind.New(errkind.InvalidArguments, "quantize: destination must differ from source")
	}
	if fi, err := os.Stat(src); err != nil || fi.IsDir() {
		return errkind.Wrap(errkind.InvalidArguments, "quantize: source "+src, statErr(err))
	}

	bin := strings.TrimSpace(q.Bin)
	if bin == "" {
		bin = discoverQuantizeBin()
	}
	if bin == "" {
		return errkind.New(errkind.QuantizationFailed, "quantize: llama-quantize not found; pass --quantize-bin")
	}

	if err := runTool(ctx, filepath.Dir(src), q.Output, bin, src, dst, strings.ToUpper(qt)); err != nil {
		return errkind.Wrap(errkind.QuantizationFailed, "quantize", err)
	}
	if fi, err := os.Stat(dst); err != nil || fi.Size() == 0 {
		return errkind.Wrap(errkind.QuantizationFailed, "quantize: no output written to "+dst, statErr(err))
	}
	return nil
}

// runTool runs name in dir. The error carries the tail of stderr, or the
// context error when ctx ended the process.
func runTool(ctx context.Context, dir string, out io.Writer, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = &stderr
	if out != nil {
		cmd.Stderr = io.MultiWriter(&stderr, out)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fmt.Errorf("%s: %w", tail(stderr.String(), 512), err)
	}
	return nil
}

func statErr(err error) error {
	if err == nil {
		return fmt.Errorf("not a regular file")
	}
	return err
}

func typeList() string {
	out := make([]string, 0, len(QuantizeTypes))
	for k := range QuantizeTypes {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	if s == "" {
		return "tool failed"
	}
	return s
}

// discoverQuantizeBin looks for llama.cpp's quantize tool in common paths,
// then on PATH.
func discoverQuantizeBin() string {
	home, _ := os.UserHomeDir()
	var candidates []string
	for _, name := range []string{"llama-quantize", "quantize"} {
		candidates = append(candidates,
			filepath.Join(home, "apps", "llama.cpp", "build", "bin", name),
			filepath.Join("/usr/local/bin", name),
			filepath.Join("/opt/homebrew/bin", name),
		)
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-quantize"); err == nil {
		return lp
	}
	return ""
}

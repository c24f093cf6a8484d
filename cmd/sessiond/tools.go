package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"sessiond/internal/common/fsutil"
	"sessiond/internal/errkind"
	"sessiond/internal/modelutil"
	"sessiond/internal/registry"
	"sessiond/pkg/types"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model>",
		Short: "Show a model file's format and type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := fsutil.ExpandHome(args[0])
			if err != nil {
				return err
			}
			h, err := modelutil.ReadHeader(path)
			if err != nil {
				return err
			}
			renderTable(cmd.OutOrStdout(),
				[]string{"PATH", "FORMAT", "VERSION", "ARCH", "LAYERS", "TYPE", "SIZE"},
				[][]string{{h.Path, string(h.Format), strconv.Itoa(int(h.Version)), h.Architecture,
					strconv.Itoa(int(h.Layers)), string(h.Type()), humanSize(h.Size)}})
			if h.Type() == modelutil.TypeUnknown {
				return errkind.New(errkind.ModelTypeUndetermined, fmt.Sprintf("no model type has %d layers", h.Layers))
			}
			return nil
		},
	}
}

func newQuantizeCmd() *cobra.Command {
	var qt, bin string
	cmd := &cobra.Command{
		Use:     "quantize <src> <dst>",
		Short:   "Convert a model to another quantization type",
		Example: "  sessiond quantize llama-7b-f16.gguf llama-7b-q4_0.gguf --type q4_0",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := fsutil.ExpandHome(args[0])
			if err != nil {
				return err
			}
			dst, err := fsutil.ExpandHome(args[1])
			if err != nil {
				return err
			}
			if err := (modelutil.Quantizer{Bin: bin}).Quantize(cmd.Context(), src, dst, qt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", dst, qt)
			return nil
		},
	}
	cmd.Flags().StringVar(&qt, "type", "q4_0", "Quantization type")
	cmd.Flags().StringVar(&bin, "quantize-bin", "", "Path to llama.cpp's quantize tool")
	return cmd
}

func newConvertCmd() *cobra.Command {
	var typ, script, python, qt, bin string
	var skipInstall bool
	cmd := &cobra.Command{
		Use:   "convert <checkpoint-dir>",
		Short: "Convert a PyTorch checkpoint directory to a quantized ggml model",
		Long: "Checks for params.json, tokenizer.model and the consolidated.0N.pth parts of the\n" +
			"model type, installs the script's python dependencies, converts to f16 with\n" +
			"llama.cpp's convert-pth-to-ggml.py and quantizes the result.",
		Example: "  sessiond convert ~/models/LLaMA/13B --script ~/llama.cpp/convert-pth-to-ggml.py --type q4_0",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := fsutil.ExpandHome(args[0])
			if err != nil {
				return err
			}
			if script, err = fsutil.ExpandHome(script); err != nil {
				return err
			}
			mt := modelutil.ModelType(strings.ToUpper(typ))
			if typ == "" {
				if mt, err = modelutil.TypeFromParams(dir); err != nil {
					return err
				}
			}
			files, err := modelutil.ValidateConversionDir(dir, mt)
			if files != nil {
				rows := make([][]string, 0, len(files))
				for _, f := range files {
					rows = append(rows, []string{f.Path, strconv.FormatBool(f.Found)})
				}
				renderTable(cmd.OutOrStdout(), []string{"FILE", "FOUND"}, rows)
			}
			if err != nil {
				return err
			}
			c := modelutil.Converter{
				Python:      python,
				Script:      script,
				QuantType:   qt,
				SkipInstall: skipInstall,
				Quantizer:   modelutil.Quantizer{Bin: bin},
				Output:      cmd.ErrOrStderr(),
			}
			res, err := c.Convert(cmd.Context(), dir, mt)
			if res != nil {
				rows := make([][]string, 0, len(res.Steps))
				for _, st := range res.Steps {
					rows = append(rows, []string{string(st.Step), string(st.State)})
				}
				renderTable(cmd.OutOrStdout(), []string{"STEP", "STATE"}, rows)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", res.Output, mt)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "model-type", "", "Model type (7B, 13B, 30B, 65B); read from params.json when empty")
	cmd.Flags().StringVar(&script, "script", "", "Path to llama.cpp's convert-pth-to-ggml.py")
	cmd.Flags().StringVar(&python, "python", "python3", "Python interpreter")
	cmd.Flags().StringVar(&qt, "type", "q4_0", "Quantization type")
	cmd.Flags().StringVar(&bin, "quantize-bin", "", "Path to llama.cpp's quantize tool")
	cmd.Flags().BoolVar(&skipInstall, "skip-install", false, "Do not pip install dependencies, only check them")
	return cmd
}

func newModelsCmd(opts *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model files in a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := opts.resolve()
				if err != nil {
					return err
				}
				dir = cfg.ModelsDir
			}
			if dir == "" {
				return errkind.New(errkind.InvalidArguments, "no models directory (use --dir)")
			}
			models, err := registry.LoadDir(dir)
			if err != nil {
				return err
			}
			renderModels(cmd.OutOrStdout(), models)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to scan")
	return cmd
}

func renderModels(w io.Writer, models []types.Model) {
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		typ := m.Type
		if m.Error != "" {
			typ = "error: " + m.Error
		}
		rows = append(rows, []string{m.ID, m.Format, m.Architecture, strconv.Itoa(int(m.Layers)), typ, humanSize(m.SizeBytes)})
	}
	renderTable(w, []string{"NAME", "FORMAT", "ARCH", "LAYERS", "TYPE", "SIZE"}, rows)
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

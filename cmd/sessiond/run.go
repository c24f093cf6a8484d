package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sessiond/internal/engine"
	"sessiond/internal/session"
)

func newRunCmd(opts *options) *cobra.Command {
	var prompt string
	var stats bool
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Predict on the terminal, one-shot or interactively",
		Long: "With a prompt, runs one prediction and exits. Without one, reads prompts line by\n" +
			"line from stdin against the same session. Ctrl-C cancels the current prediction.",
		Example: "  sessiond run -m ~/models/llama-7b.gguf \"Once upon a time\"\n" +
			"  sessiond run --preset alpaca -m ~/models/alpaca-7b.bin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			p, err := opts.sessionParams(cmd, cfg)
			if err != nil {
				return err
			}
			if p.ModelPath == "" {
				return fmt.Errorf("no model configured (use --model or the config file)")
			}
			lg := newLogger(cfg.LogLevel, os.Stderr)
			sess := session.New(p, session.Options{
				Loader:   engine.NewLlamaLoader(),
				Observer: session.LogObserver{Log: lg, Model: p.ModelPath},
				Logger:   &lg,
			})
			defer sess.Close()

			if prompt == "" && len(args) > 0 {
				prompt = strings.Join(args, " ")
			}
			out := cmd.OutOrStdout()
			if prompt != "" {
				return predictInterruptible(cmd.Context(), sess, prompt, out, stats)
			}
			return interactive(cmd.Context(), sess, cmd.InOrStdin(), out, stats)
		},
	}
	addSessionFlags(cmd, &opts.flags)
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt to run once")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print token counts after each prediction")
	return cmd
}

func interactive(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer, stats bool) error {
	tty := false
	if f, ok := in.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	sc := bufio.NewScanner(in)
	for {
		if tty {
			fmt.Fprint(out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := predictInterruptible(ctx, sess, line, out, stats); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// predictInterruptible cancels the prediction on SIGINT. The default
// handler is restored once it returns, so Ctrl-C at the prompt still exits.
func predictInterruptible(ctx context.Context, sess *session.Session, prompt string, out io.Writer, stats bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
	st, err := predict(ctx, sess, prompt, out)
	if stats && err == nil {
		fmt.Fprintf(out, "[prompt=%d reused=%d decoded=%d generated=%d]\n", st.PromptTokens, st.Reused, st.Decoded, st.Generated)
	}
	return err
}

// predict streams the prediction's text to out and returns its stats.
func predict(ctx context.Context, sess *session.Session, prompt string, out io.Writer) (session.PredictionStats, error) {
	h, events := sess.Predict(ctx, prompt)
	var err error
	for ev := range events {
		switch e := ev.(type) {
		case session.OutputToken:
			fmt.Fprint(out, e.Text)
		case session.Failed:
			err = e.Err
		}
	}
	<-h.Done()
	if _, ok := h.Outcome().(session.Cancelled); ok {
		fmt.Fprint(out, " [cancelled]")
	}
	fmt.Fprintln(out)
	return h.Stats(), err
}

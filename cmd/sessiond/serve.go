package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sessiond/internal/common/fsutil"
	"sessiond/internal/config"
	"sessiond/internal/engine"
	"sessiond/internal/httpapi"
	"sessiond/internal/session"
	"sessiond/internal/store"
)

func newServeCmd(opts *options) *cobra.Command {
	var preload bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one session over HTTP",
		Example: "  sessiond serve -m ~/models/llama-7b.gguf --addr :8080\n" +
			"  sessiond serve --config sessiond.yaml --snapshots-db ~/.sessiond/snapshots.db",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			p, err := opts.sessionParams(cmd, cfg)
			if err != nil {
				return err
			}
			lg := newLogger(cfg.LogLevel, os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, p, engine.NewLlamaLoader(), preload, lg)
		},
	}
	addSessionFlags(cmd, &opts.flags)
	f := cmd.Flags()
	f.StringVar(&opts.flags.Addr, "addr", "", "HTTP listen address (default :8080)")
	f.StringVar(&opts.flags.ModelsDir, "models-dir", "", "Directory listed by GET /models")
	f.StringVar(&opts.flags.SnapshotsDB, "snapshots-db", "", "SQLite file backing /snapshots")
	f.StringVar(&opts.flags.CacheDir, "cache-dir", "", "Directory snapshot exports are written to")
	f.StringSliceVar(&opts.flags.CORSOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable)")
	f.BoolVar(&preload, "preload", false, "Load the model at startup instead of on first use")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, p session.Params, loader engine.Loader, preload bool, lg zerolog.Logger) error {
	if p.ModelPath == "" {
		return errors.New("no model configured (use --model or the config file)")
	}
	sess := session.New(p, session.Options{
		Loader:   loader,
		Observer: session.LogObserver{Log: lg, Model: p.ModelPath},
		Logger:   &lg,
	})
	defer sess.Close()

	var st *store.Store
	if cfg.SnapshotsDB != "" {
		path, err := fsutil.ExpandHome(cfg.SnapshotsDB)
		if err != nil {
			return err
		}
		if st, err = store.Open(path); err != nil {
			return err
		}
		defer st.Close()
	}
	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return err
	}

	svc := httpapi.NewSessionService(sess, st, modelsDir)
	if svc.CacheDir, err = fsutil.ExpandHome(cfg.CacheDir); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc, httpapi.Options{Logger: lg, CORSOrigins: cfg.CORSOrigins, BaseContext: ctx}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if preload {
		sess.LoadModelIfNeeded()
	}

	errc := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", cfg.Addr).Str("model", p.ModelPath).Bool("llama", engine.LlamaBuilt()).Msg("sessiond listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	// predictions were cancelled through the base context; wait for their
	// streams to end
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"sessiond/internal/engine"
	"sessiond/internal/errkind"
	"sessiond/internal/modelutil"
)

// SetupCoordinator loads a model into a ModelContext. Concurrent Setup calls
// for the same context share one load.
type SetupCoordinator struct {
	loader  engine.Loader
	inspect func(path string) (modelutil.Header, error)
	log     zerolog.Logger
	group   singleflight.Group
}

// NewSetupCoordinator returns a coordinator that loads through loader.
func NewSetupCoordinator(loader engine.Loader, log zerolog.Logger) *SetupCoordinator {
	return &SetupCoordinator{loader: loader, inspect: modelutil.ReadHeader, log: log}
}

// Setup initializes mc unless it already is. Failures carry a load kind.
func (c *SetupCoordinator) Setup(ctx context.Context, mc *ModelContext) error {
	if mc.Initialized() {
		return nil
	}
	_, err, shared := c.group.Do(fmt.Sprintf("%p", mc), func() (any, error) {
		if mc.Initialized() {
			return nil, nil
		}
		return nil, c.load(ctx, mc)
	})
	if shared {
		c.log.Debug().Str("model", mc.params.ModelPath).Msg("joined in-flight model load")
	}
	return err
}

func (c *SetupCoordinator) load(ctx context.Context, mc *ModelContext) (err error) {
	p := mc.params
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		modelLoadSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if err := p.Validate(); err != nil {
		return err
	}
	h, err := c.inspect(p.ModelPath)
	if err != nil {
		return err
	}
	c.log.Info().Str("event", "model_header").Str("model", p.ModelPath).Str("format", string(h.Format)).
		Uint32("version", h.Version).Uint32("layers", h.Layers).Str("type", string(h.Type())).Msg("inspected model file")
	if p.LoraAdapter != "" {
		if fi, err := os.Stat(p.LoraAdapter); err != nil || fi.IsDir() {
			if err == nil {
				err = errors.New("is a directory")
			}
			return errkind.Wrap(errkind.LoraApplyFailed, "lora adapter "+p.LoraAdapter, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return errkind.Wrap(errkind.GeneralLoadFailure, "load cancelled", err)
	}

	m, err := c.loader.Load(ctx, p.engineParams())
	if err != nil {
		if errkind.KindOf(err).IsLoad() {
			return err
		}
		if p.LoraAdapter != "" {
			return errkind.Wrap(errkind.GeneralLoadFailure, "load model with lora adapter", err)
		}
		return errkind.Wrap(errkind.GeneralLoadFailure, "load model", err)
	}
	if m.ContextSize() > 0 && m.ContextSize() < p.ContextSize {
		c.log.Warn().Int("requested", p.ContextSize).Int("engine", m.ContextSize()).Msg("engine context smaller than requested")
	}

	rs := newRunState(p.ContextSize)
	if p.SessionCachePath != "" {
		if err := c.restoreCache(m, p, rs); err != nil {
			_ = m.Close()
			return err
		}
	}
	if !mc.install(m, rs) {
		_ = m.Close()
	}
	return nil
}

// restoreCache loads the session cache into rs. The engine state is restored
// from the sidecar when possible; otherwise the cached tokens are decoded so
// the KV cache matches SessionTokens. A cache longer than the prompt window
// is cut to the window and re-decoded.
func (c *SetupCoordinator) restoreCache(m engine.Model, p Params, rs *RunState) error {
	tokens, err := ReadTokens(p.SessionCachePath)
	if err != nil {
		return errkind.Wrap(errkind.GeneralLoadFailure, "session cache", err)
	}
	if len(tokens) == 0 {
		c.log.Info().Str("path", p.SessionCachePath).Msg("session cache empty or missing; starting cold")
		return nil
	}
	// A cache written under a larger context cannot be decoded whole. Its
	// prefix still matches, but the sidecar state no longer does.
	window := p.ContextSize - promptReserve
	truncated := len(tokens) > window
	if truncated {
		c.log.Warn().Str("path", p.SessionCachePath).Int("tokens", len(tokens)).Int("window", window).
			Msg("session cache larger than context window; keeping its prefix")
		tokens = tokens[:max(window, 0)]
	}

	restored := false
	if sp, ok := m.(engine.StatePersister); ok && !truncated {
		if _, err := os.Stat(StatePath(p.SessionCachePath)); err == nil {
			if err := sp.LoadState(StatePath(p.SessionCachePath)); err != nil {
				c.log.Warn().Err(err).Str("path", p.SessionCachePath).Msg("engine state unreadable; re-decoding cache")
			} else {
				restored = true
			}
		}
	}
	if !restored {
		for i := 0; i < len(tokens); i += p.BatchSize {
			n := min(p.BatchSize, len(tokens)-i)
			if err := m.Decode(tokens[i:i+n], i, p.Threads); err != nil {
				return errkind.Wrap(errkind.GeneralLoadFailure, "decode session cache", err)
			}
		}
		tokensDecoded.Add(float64(len(tokens)))
	}
	rs.SessionTokens = tokens
	c.log.Info().Str("path", p.SessionCachePath).Int("tokens", len(tokens)).Bool("state_restored", restored).Msg("loaded session cache")
	return nil
}

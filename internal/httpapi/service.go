package httpapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/errkind"
	"sessiond/internal/registry"
	"sessiond/internal/session"
	"sessiond/internal/store"
	"sessiond/pkg/types"
)

// SessionService implements Service on top of a Session. Store, ModelsDir and
// CacheDir are optional; the endpoints they back report ErrNotConfigured
// without them. Snapshot exports are only written inside CacheDir.
type SessionService struct {
	Session   *session.Session
	Store     *store.Store
	ModelsDir string
	CacheDir  string

	started time.Time
}

// NewSessionService returns a Service for s.
func NewSessionService(s *session.Session, st *store.Store, modelsDir string) *SessionService {
	return &SessionService{Session: s, Store: st, ModelsDir: modelsDir, started: time.Now()}
}

func (s *SessionService) Ready() bool {
	switch s.Session.State() {
	case session.Ready, session.Predicting:
		return true
	}
	return false
}

func (s *SessionService) Status() types.StatusResponse {
	st := s.Session.Status()
	c := st.Counters
	now := time.Now()
	return types.StatusResponse{
		State:       st.State.String(),
		LastError:   st.Err,
		ModelPath:   st.ModelPath,
		Loaded:      st.Loaded,
		ContextSize: st.ContextSize,
		InFlight:    st.InFlight,
		Counters: types.RunCounters{
			NPast:            c.NPast,
			NRemain:          c.NRemain,
			NConsumed:        c.NConsumed,
			NSessionConsumed: c.NSessionConsumed,
			Pending:          c.Pending,
			Input:            c.Input,
			SessionTokens:    c.SessionTokens,
			IsAntiprompt:     c.IsAntiprompt,
		},
		Totals:         types.Totals(st.Totals),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

func (s *SessionService) Load() { s.Session.LoadModelIfNeeded() }

func (s *SessionService) Predict(ctx context.Context, prompt string) (string, <-chan types.PredictionEvent) {
	h, in := s.Session.Predict(ctx, prompt)
	out := make(chan types.PredictionEvent)
	go func() {
		defer close(out)
		for ev := range in {
			wire := toWireEvent(ev)
			if session.IsTerminal(ev) {
				st := types.PredictionStats(h.Stats())
				wire.Stats = &st
			}
			select {
			case out <- wire:
			case <-ctx.Done():
			}
		}
	}()
	return h.ID.String(), out
}

func toWireEvent(ev session.PredictionEvent) types.PredictionEvent {
	wire := types.PredictionEvent{Event: session.EventName(ev)}
	switch e := ev.(type) {
	case session.OutputToken:
		wire.Text = e.Text
	case session.UpdatedSessionContext:
		c := toWireContext(e.Context)
		wire.Context = &c
	case session.Failed:
		wire.Error = e.Err.Error()
		wire.Kind = errkind.KindOf(e.Err).String()
	}
	return wire
}

func toWireContext(c session.SessionContext) types.SessionContext {
	out := types.SessionContext{Text: c.Text, Tokens: make([]types.ContextToken, len(c.Tokens))}
	for i, t := range c.Tokens {
		out.Tokens[i] = types.ContextToken{ID: int32(t.ID), Text: t.Text}
	}
	return out
}

func (s *SessionService) Cancel(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return s.Session.Cancel(u)
}

func (s *SessionService) Context(ctx context.Context) (types.SessionContext, error) {
	c, err := s.Session.CurrentContext(ctx)
	if err != nil {
		return types.SessionContext{}, err
	}
	return toWireContext(c), nil
}

func (s *SessionService) ListModels() ([]types.Model, error) {
	if s.ModelsDir == "" {
		return nil, ErrNotConfigured
	}
	return registry.LoadDir(s.ModelsDir)
}

func toWireSnapshot(snap store.Snapshot) types.Snapshot {
	return types.Snapshot{
		Name:      snap.Name,
		ModelPath: snap.ModelPath,
		Text:      snap.Context.Text,
		Tokens:    len(snap.Context.Tokens),
		CreatedAt: snap.CreatedAt,
	}
}

func (s *SessionService) ListSnapshots(ctx context.Context) ([]types.Snapshot, error) {
	if s.Store == nil {
		return nil, ErrNotConfigured
	}
	list, err := s.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Snapshot, len(list))
	for i, snap := range list {
		out[i] = toWireSnapshot(snap)
	}
	return out, nil
}

// SaveSnapshot stores the session's current context under name.
func (s *SessionService) SaveSnapshot(ctx context.Context, name string) (types.Snapshot, error) {
	if s.Store == nil {
		return types.Snapshot{}, ErrNotConfigured
	}
	c, err := s.Session.CurrentContext(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	if err := s.Store.Save(ctx, name, s.Session.Params().ModelPath, c); err != nil {
		return types.Snapshot{}, err
	}
	snap, err := s.Store.Get(ctx, name)
	if err != nil {
		return types.Snapshot{}, err
	}
	return toWireSnapshot(snap), nil
}

func (s *SessionService) GetSnapshot(ctx context.Context, name string) (types.SnapshotDetail, error) {
	if s.Store == nil {
		return types.SnapshotDetail{}, ErrNotConfigured
	}
	snap, err := s.Store.Get(ctx, name)
	if err != nil {
		return types.SnapshotDetail{}, err
	}
	return types.SnapshotDetail{Snapshot: toWireSnapshot(snap), Context: toWireContext(snap.Context)}, nil
}

func (s *SessionService) DeleteSnapshot(ctx context.Context, name string) error {
	if s.Store == nil {
		return ErrNotConfigured
	}
	return s.Store.Delete(ctx, name)
}

// ExportSnapshot writes the snapshot as a session cache inside CacheDir.
func (s *SessionService) ExportSnapshot(ctx context.Context, name, file string) (types.ExportResponse, error) {
	if s.Store == nil || s.CacheDir == "" {
		return types.ExportResponse{}, ErrNotConfigured
	}
	if file == "" {
		file = name + ".session"
	}
	path, err := s.cachePath(file)
	if err != nil {
		return types.ExportResponse{}, err
	}
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return types.ExportResponse{}, err
	}
	n, err := s.Store.ExportCache(ctx, name, path)
	if err != nil {
		return types.ExportResponse{}, err
	}
	return types.ExportResponse{Path: path, Tokens: n}, nil
}

// cachePath joins file under CacheDir. Only plain names are accepted, and
// ".state" names are reserved for the engine state sidecar.
func (s *SessionService) cachePath(file string) (string, error) {
	if file == "." || file == ".." || strings.ContainsAny(file, `/\`) ||
		strings.HasSuffix(file, ".state") || filepath.VolumeName(file) != "" {
		return "", errkind.New(errkind.InvalidArguments, fmt.Sprintf("export file %q must be a plain file name", file))
	}
	return filepath.Join(s.CacheDir, file), nil
}

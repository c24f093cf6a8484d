package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"sessiond/internal/engine"
	"sessiond/internal/engine/enginetest"
	"sessiond/internal/errkind"
)

func setupParams(t *testing.T) Params {
	t.Helper()
	p := testParams()
	p.ModelPath = enginetest.WriteGGUF(t, t.TempDir(), "model.gguf", 40)
	return p
}

func TestSetupSharesInFlightLoad(t *testing.T) {
	gate := make(chan struct{})
	loader := &enginetest.Loader{Engine: enginetest.New(64), Gate: gate}
	c := NewSetupCoordinator(loader, zerolog.Nop())
	mc := newModelContext(setupParams(t))

	errs := make(chan error, 2)
	go func() { errs <- c.Setup(context.Background(), mc) }()
	deadline := time.Now().Add(5 * time.Second)
	for loader.Loads() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("load never started")
		}
		time.Sleep(time.Millisecond)
	}
	go func() { errs <- c.Setup(context.Background(), mc) }()
	time.Sleep(10 * time.Millisecond)
	close(gate)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	if err := c.Setup(context.Background(), mc); err != nil {
		t.Fatalf("setup of initialized context: %v", err)
	}
	if loader.Loads() != 1 || !mc.Initialized() {
		t.Fatalf("loads=%d initialized=%v", loader.Loads(), mc.Initialized())
	}
}

func TestSetupFailureKinds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
		err    error
		want   errkind.Kind
	}{
		{"invalid params", func(p *Params) { p.ContextSize = 2 }, nil, errkind.InvalidArguments},
		{"missing model", func(p *Params) { p.ModelPath = filepath.Join(t.TempDir(), "none.gguf") }, nil, errkind.FailedToOpenModelFile},
		{"missing lora", func(p *Params) { p.LoraAdapter = filepath.Join(t.TempDir(), "none.bin") }, nil, errkind.LoraApplyFailed},
		{"loader kind kept", nil, errkind.New(errkind.InvalidModelBadMagic, "bad magic"), errkind.InvalidModelBadMagic},
		{"loader error wrapped", nil, os.ErrPermission, errkind.GeneralLoadFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := setupParams(t)
			if tc.mutate != nil {
				tc.mutate(&p)
			}
			loader := &enginetest.Loader{Engine: enginetest.New(64), Err: tc.err}
			err := NewSetupCoordinator(loader, zerolog.Nop()).Setup(context.Background(), newModelContext(p))
			if got := errkind.KindOf(err); got != tc.want {
				t.Fatalf("kind=%s want %s (err=%v)", got, tc.want, err)
			}
			if tc.err == nil && loader.Loads() != 0 {
				t.Fatalf("loader called for a request rejected before load")
			}
		})
	}
}

func TestSetupRejectsBadSessionCache(t *testing.T) {
	cases := map[string]func(t *testing.T, path string){
		"corrupt": func(t *testing.T, path string) {
			if err := os.WriteFile(path, []byte("garbage!"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		},
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			p := setupParams(t)
			p.SessionCachePath = filepath.Join(t.TempDir(), "c.session")
			write(t, p.SessionCachePath)
			eng := enginetest.New(64)
			mc := newModelContext(p)
			err := NewSetupCoordinator(&enginetest.Loader{Engine: eng}, zerolog.Nop()).Setup(context.Background(), mc)
			if errkind.KindOf(err) != errkind.GeneralLoadFailure || !errkind.Is(err, errkind.SessionContextUnavailable) {
				t.Fatalf("err=%v", err)
			}
			if !eng.Stats().Closed || mc.Initialized() {
				t.Fatalf("model left open after cache failure")
			}
		})
	}
}

func TestSetupTruncatesOversizedCache(t *testing.T) {
	for _, n := range []int{61, 64, 65, 200} {
		p := setupParams(t)
		p.SessionCachePath = filepath.Join(t.TempDir(), "c.session")
		toks := make([]engine.Token, n)
		for i := range toks {
			toks[i] = engine.Token(i + 3)
		}
		if err := WriteTokens(p.SessionCachePath, toks); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.WriteFile(StatePath(p.SessionCachePath), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write state: %v", err)
		}
		eng := enginetest.New(64)
		mc := newModelContext(p)
		if err := NewSetupCoordinator(&enginetest.Loader{Engine: eng}, zerolog.Nop()).Setup(context.Background(), mc); err != nil {
			t.Fatalf("%d tokens: setup: %v", n, err)
		}
		window := p.ContextSize - promptReserve
		if diff := cmp.Diff(toks[:window], mc.State().SessionTokens); diff != "" {
			t.Fatalf("%d tokens: session tokens mismatch (-want +got):\n%s", n, diff)
		}
		st := eng.Stats()
		if st.Loads != 0 || len(st.KV) != window || st.DecodeCalls != (window+p.BatchSize-1)/p.BatchSize {
			t.Fatalf("%d tokens: stats %+v", n, st)
		}
	}
}

func TestSetupRestoresCache(t *testing.T) {
	src := enginetest.New(64)
	toks, _ := src.Tokenize("one two three four five six seven eight nine ten", true)
	if err := src.Decode(toks, 0, 1); err != nil {
		t.Fatalf("decode: %v", err)
	}

	t.Run("warm decode", func(t *testing.T) {
		p := setupParams(t)
		p.SessionCachePath = filepath.Join(t.TempDir(), "c.session")
		if err := WriteTokens(p.SessionCachePath, toks); err != nil {
			t.Fatalf("write: %v", err)
		}
		eng := enginetest.New(64)
		mc := newModelContext(p)
		if err := NewSetupCoordinator(&enginetest.Loader{Engine: eng}, zerolog.Nop()).Setup(context.Background(), mc); err != nil {
			t.Fatalf("setup: %v", err)
		}
		// 11 tokens in batches of 8
		if st := eng.Stats(); st.DecodeCalls != 2 || st.Loads != 1 {
			t.Fatalf("stats %+v", st)
		}
		if diff := cmp.Diff(toks, mc.State().SessionTokens); diff != "" {
			t.Fatalf("session tokens mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("state sidecar", func(t *testing.T) {
		p := setupParams(t)
		p.SessionCachePath = filepath.Join(t.TempDir(), "c.session")
		if err := saveSessionCache(src, p.SessionCachePath, toks); err != nil {
			t.Fatalf("save: %v", err)
		}
		eng := enginetest.New(64)
		mc := newModelContext(p)
		if err := NewSetupCoordinator(&enginetest.Loader{Engine: eng}, zerolog.Nop()).Setup(context.Background(), mc); err != nil {
			t.Fatalf("setup: %v", err)
		}
		st := eng.Stats()
		if st.DecodeCalls != 0 {
			t.Fatalf("cache re-decoded despite saved state: %+v", st)
		}
		if diff := cmp.Diff(toks, st.KV); diff != "" {
			t.Fatalf("engine kv mismatch (-want +got):\n%s", diff)
		}
		if got := eng.TokenText(toks[3]); got != " three" {
			t.Fatalf("piece %q", got)
		}
	})
}

package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sessiond/internal/engine"
	"sessiond/internal/engine/enginetest"
	"sessiond/internal/errkind"
)

type testSession struct {
	*Session
	loader *enginetest.Loader
	obs    *MemoryObserver
}

func newTestSession(t *testing.T, loader *enginetest.Loader, mutate func(*Params)) *testSession {
	t.Helper()
	model := enginetest.WriteGGUF(t, t.TempDir(), "model.gguf", 32)
	p := testParams()
	p.ModelPath = model
	if mutate != nil {
		mutate(&p)
	}
	obs := NewMemoryObserver()
	s := New(p, Options{Loader: loader, Observer: obs})
	t.Cleanup(func() { _ = s.Close() })
	return &testSession{Session: s, loader: loader, obs: obs}
}

// recorder collects the events of one prediction.
type recorder struct {
	mu     sync.Mutex
	events []PredictionEvent
}

func (r *recorder) handle(ev PredictionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eventNames(r.events)
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, ev := range r.events {
		if tok, ok := ev.(OutputToken); ok {
			b.WriteString(tok.Text)
		}
	}
	return b.String()
}

func (r *recorder) last() PredictionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (ts *testSession) run(prompt string) (*PredictionHandle, *recorder) {
	r := &recorder{}
	return ts.RunPrediction(prompt, r.handle, nil), r
}

func wait(t *testing.T, h *PredictionHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("prediction %s did not finish", h.ID)
	}
}

func recv(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the engine")
	}
}

func TestPredictionLifecycle(t *testing.T) {
	eng := enginetest.New(64, " Hi", " there")
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	h, r := ts.run("Hello world")
	wait(t, h)

	want := []string{"started", "token", "token", "context", "completed"}
	if diff := cmp.Diff(want, r.names()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if r.text() != " Hi there" {
		t.Fatalf("text=%q", r.text())
	}
	if _, ok := h.Outcome().(Completed); !ok {
		t.Fatalf("outcome=%#v", h.Outcome())
	}
	if st := h.Stats(); st.Generated != 2 || st.Decoded != 5 || st.PromptTokens != 3 {
		t.Fatalf("stats %+v", st)
	}
	st := ts.Status()
	if st.State != Ready || !st.Loaded || st.InFlight != 0 {
		t.Fatalf("status %+v", st)
	}
	if st.Totals.Predictions != 1 || st.Totals.Completed != 1 || st.Counters.NPast != 5 {
		t.Fatalf("totals %+v counters %+v", st.Totals, st.Counters)
	}

	ts.notifyQ.Flush()
	wantObs := []string{"did_start_loading_model", "did_load_model", "did_start_predicting", "did_finish_predicting"}
	if diff := cmp.Diff(wantObs, ts.obs.Names()); diff != "" {
		t.Fatalf("observer mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictionsRunInOrderWithOneTerminalEach(t *testing.T) {
	eng := enginetest.New(64, " a", " b", " c")
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, func(p *Params) { p.MaxTokens = 1 })
	var hs []*PredictionHandle
	var rs []*recorder
	for _, prompt := range []string{"one", "two", "three"} {
		h, r := ts.run(prompt)
		hs = append(hs, h)
		rs = append(rs, r)
	}
	for i, h := range hs {
		wait(t, h)
		names := rs[i].names()
		terminals := 0
		for _, n := range names {
			if n == "completed" || n == "cancelled" || n == "failed" {
				terminals++
			}
		}
		if terminals != 1 || names[0] != "started" || !IsTerminal(rs[i].last()) {
			t.Fatalf("prediction %d events %v", i, names)
		}
	}
	got := []string{rs[0].text(), rs[1].text(), rs[2].text()}
	if diff := cmp.Diff([]string{" a", " b", " c"}, got); diff != "" {
		t.Fatalf("predictions ran out of order (-want +got):\n%s", diff)
	}
	if ts.loader.Loads() != 1 {
		t.Fatalf("loads=%d", ts.loader.Loads())
	}
}

func TestCancelDuringDecode(t *testing.T) {
	eng := enginetest.New(64, " ok")
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	eng.Gate(entered, release)

	h, r := ts.run("Hello world")
	recv(t, entered)
	if !ts.Cancel(h.ID) {
		t.Fatalf("cancel did not find the prediction")
	}
	eng.Gate(nil, nil)
	close(release)
	wait(t, h)
	if diff := cmp.Diff([]string{"started", "cancelled"}, r.names()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if ts.State() != Ready {
		t.Fatalf("state=%s", ts.State())
	}

	h2, r2 := ts.run("again")
	wait(t, h2)
	want := []string{"started", "token", "context", "completed"}
	if diff := cmp.Diff(want, r2.names()); diff != "" {
		t.Fatalf("events after cancel mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelQueuedPrediction(t *testing.T) {
	eng := enginetest.New(64)
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	eng.Gate(entered, release)

	h1, r1 := ts.run("first")
	recv(t, entered)
	h2, r2 := ts.run("second")
	h2.Cancel()
	eng.Gate(nil, nil)
	close(release)
	wait(t, h1)
	wait(t, h2)

	if r1.last() == nil || EventName(r1.last()) != "completed" {
		t.Fatalf("first events %v", r1.names())
	}
	if diff := cmp.Diff([]string{"cancelled"}, r2.names()); diff != "" {
		t.Fatalf("queued prediction events (-want +got):\n%s", diff)
	}
	if ts.Status().Totals.Cancelled != 1 {
		t.Fatalf("totals %+v", ts.Status().Totals)
	}
}

func TestCancelRacingFinishKeepsCompletion(t *testing.T) {
	h := newHandle()
	// the request lands after the executor's last cancellation check
	h.Cancel()
	if !h.Cancelled() {
		t.Fatalf("pending cancel not reported while running")
	}
	h.finish(Completed{}, PredictionStats{Generated: 2})
	if h.Cancelled() {
		t.Fatalf("completed prediction reported as cancelled")
	}
	if _, ok := h.Outcome().(Completed); !ok {
		t.Fatalf("outcome=%#v", h.Outcome())
	}

	c := newHandle()
	c.Cancel()
	c.finish(Cancelled{}, PredictionStats{})
	if !c.Cancelled() {
		t.Fatalf("cancelled prediction not reported")
	}
}

func TestCancelAfterFinishIsNoop(t *testing.T) {
	ts := newTestSession(t, &enginetest.Loader{Engine: enginetest.New(64)}, nil)
	h, _ := ts.run("Hello")
	wait(t, h)
	h.Cancel()
	if h.Cancelled() {
		t.Fatalf("cancel after finish took effect")
	}
	if ts.Cancel(h.ID) {
		t.Fatalf("finished prediction still registered")
	}
}

func TestPromptTooLongKeepsSessionReady(t *testing.T) {
	eng := enginetest.New(64)
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	var words []string
	for i := 0; i < 70; i++ {
		words = append(words, fmt.Sprintf("w%d", i))
	}
	h, r := ts.run(strings.Join(words, " "))
	wait(t, h)
	if diff := cmp.Diff([]string{"failed"}, r.names()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if f := r.last().(Failed); !errkind.Is(f.Err, errkind.PromptTooLong) {
		t.Fatalf("err=%v", f.Err)
	}
	if ts.State() != Ready || eng.Stats().DecodeCalls != 0 {
		t.Fatalf("state=%s decodes=%d", ts.State(), eng.Stats().DecodeCalls)
	}
}

func TestSessionCacheReusedAcrossSessions(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "chat.session")
	factory := func(engine.Params) *enginetest.Engine { return enginetest.New(64, " Hi", " there") }
	withCache := func(p *Params) { p.SessionCachePath = cache }

	a := newTestSession(t, &enginetest.Loader{Factory: factory}, withCache)
	ha, _ := a.run("Hello world")
	wait(t, ha)
	if st := ha.Stats(); st.Matched != 0 || st.Reused != 0 || st.Decoded != 5 {
		t.Fatalf("cold stats %+v", st)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b := newTestSession(t, &enginetest.Loader{Factory: factory}, withCache)
	hb, rb := b.run("Hello world")
	wait(t, hb)
	if st := hb.Stats(); st.Matched != 3 || st.Reused != 3 || st.Decoded != 2 {
		t.Fatalf("warm stats %+v", st)
	}
	if rb.text() != " Hi there" {
		t.Fatalf("text=%q", rb.text())
	}
}

func TestSessionCacheLongerThanInputIsTruncated(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "chat.session")
	eng := enginetest.New(64)
	ids := []engine.Token{enginetest.BOS, eng.Piece("Hello"), eng.Piece(" world"), eng.Piece(" again")}
	if err := WriteTokens(cache, ids); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, func(p *Params) { p.SessionCachePath = cache })
	h, _ := ts.run("Hello world")
	wait(t, h)
	if st := h.Stats(); st.Matched != 3 || st.Reused != 2 || st.Decoded != 1 {
		t.Fatalf("stats %+v", st)
	}
	if diff := cmp.Diff(ids[:3], eng.Stats().KV); diff != "" {
		t.Fatalf("engine kv mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionCacheLargerThanWindowRecovers(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "big.session")
	eng := enginetest.New(64)
	w := eng.Piece(" w")
	ids := []engine.Token{enginetest.BOS}
	for len(ids) < 71 {
		ids = append(ids, w)
	}
	if err := WriteTokens(cache, ids); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, func(p *Params) { p.SessionCachePath = cache })

	h1, _ := ts.run(" w w w")
	wait(t, h1)
	if _, ok := h1.Outcome().(Completed); !ok {
		t.Fatalf("first outcome %#v (err=%v)", h1.Outcome(), ts.Err())
	}
	if st := h1.Stats(); st.Matched != 4 || st.Reused != 3 || st.Decoded != 1 {
		t.Fatalf("first stats %+v", st)
	}

	h2, _ := ts.run(" w w w")
	wait(t, h2)
	if _, ok := h2.Outcome().(Completed); !ok || ts.State() != Ready {
		t.Fatalf("second outcome %#v state=%s", h2.Outcome(), ts.State())
	}
	if st := h2.Stats(); st.Reused != 0 || st.Decoded != 3 {
		t.Fatalf("second stats %+v", st)
	}
	saved, err := ReadTokens(cache)
	if err != nil || len(saved) != 7 {
		t.Fatalf("saved cache len=%d err=%v", len(saved), err)
	}
}

func TestSessionContextRoundTripsThroughCache(t *testing.T) {
	eng := enginetest.New(64, " Hi", " there")
	a := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	h, _ := a.run("Hello world")
	wait(t, h)
	c, err := a.CurrentContext(context.Background())
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if c.Text != "Hello world Hi there" || len(c.Tokens) != 5 {
		t.Fatalf("context %+v", c)
	}

	cache := filepath.Join(t.TempDir(), "ctx.session")
	if err := WriteTokens(cache, c.TokenIDs()); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	b := newTestSession(t, &enginetest.Loader{Engine: eng}, func(p *Params) { p.SessionCachePath = cache })
	hb, _ := b.run(c.Text)
	wait(t, hb)
	if st := hb.Stats(); st.Matched != len(c.Tokens) || st.Reused != len(c.Tokens) || st.Decoded != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestLoadFailureAppliesToWorkQueuedBeforeIt(t *testing.T) {
	gate := make(chan struct{})
	loader := &enginetest.Loader{Engine: enginetest.New(64), Gate: gate, Err: errors.New("out of memory")}
	ts := newTestSession(t, loader, nil)

	h1, r1 := ts.run("one")
	h2, r2 := ts.run("two")
	close(gate)
	wait(t, h1)
	wait(t, h2)
	for i, r := range []*recorder{r1, r2} {
		if diff := cmp.Diff([]string{"failed"}, r.names()); diff != "" {
			t.Fatalf("prediction %d events (-want +got):\n%s", i+1, diff)
		}
		if f := r.last().(Failed); errkind.KindOf(f.Err) != errkind.GeneralLoadFailure {
			t.Fatalf("prediction %d err=%v", i+1, f.Err)
		}
	}
	if loader.Loads() != 1 {
		t.Fatalf("loads=%d want 1", loader.Loads())
	}
	if ts.State() != Error || ts.Err() == nil {
		t.Fatalf("state=%s err=%v", ts.State(), ts.Err())
	}

	loader.SetErr(nil)
	h3, r3 := ts.run("three")
	wait(t, h3)
	if EventName(r3.last()) != "completed" || loader.Loads() != 2 {
		t.Fatalf("retry events %v loads=%d", r3.names(), loader.Loads())
	}
	if ts.State() != Ready || ts.Err() != nil {
		t.Fatalf("state=%s err=%v", ts.State(), ts.Err())
	}
	ts.notifyQ.Flush()
	names := ts.obs.Names()
	if names[0] != "did_start_loading_model" || names[1] != "did_move_to_error_state" {
		t.Fatalf("observer %v", names)
	}
}

func TestLoadModelIfNeededIsIdempotent(t *testing.T) {
	loader := &enginetest.Loader{Engine: enginetest.New(64)}
	ts := newTestSession(t, loader, nil)
	ts.LoadModelIfNeeded()
	ts.LoadModelIfNeeded()
	ts.work.Flush()
	ts.LoadModelIfNeeded()
	ts.work.Flush()
	if loader.Loads() != 1 || ts.State() != Ready {
		t.Fatalf("loads=%d state=%s", loader.Loads(), ts.State())
	}
	ts.notifyQ.Flush()
	if diff := cmp.Diff([]string{"did_start_loading_model", "did_load_model"}, ts.obs.Names()); diff != "" {
		t.Fatalf("observer mismatch (-want +got):\n%s", diff)
	}
	if got := loader.LastParams(); got.ContextSize != 64 || got.Threads != 2 {
		t.Fatalf("engine params %+v", got)
	}
}

func TestUnusableEngineMovesToErrorAndReloads(t *testing.T) {
	var mu sync.Mutex
	var engines []*enginetest.Engine
	loader := &enginetest.Loader{Factory: func(engine.Params) *enginetest.Engine {
		mu.Lock()
		defer mu.Unlock()
		e := enginetest.New(64, " ok")
		if len(engines) == 0 {
			e.FailDecode(fmt.Errorf("%w: device reset", engine.ErrUnusable))
		}
		engines = append(engines, e)
		return e
	}}
	ts := newTestSession(t, loader, nil)

	h, r := ts.run("Hello")
	wait(t, h)
	f, ok := r.last().(Failed)
	if !ok || !errors.Is(f.Err, engine.ErrUnusable) {
		t.Fatalf("events %v", r.names())
	}
	if ts.State() != Error || ts.Status().Loaded {
		t.Fatalf("state=%s loaded=%v", ts.State(), ts.Status().Loaded)
	}
	mu.Lock()
	first := engines[0]
	mu.Unlock()
	if !first.Stats().Closed {
		t.Fatalf("unusable engine not closed")
	}
	ts.notifyQ.Flush()
	names := ts.obs.Names()
	if diff := cmp.Diff([]string{"did_finish_predicting", "did_move_to_error_state"}, names[len(names)-2:]); diff != "" {
		t.Fatalf("observer tail mismatch (-want +got):\n%s", diff)
	}

	h2, r2 := ts.run("Hello")
	wait(t, h2)
	if EventName(r2.last()) != "completed" || loader.Loads() != 2 || ts.State() != Ready {
		t.Fatalf("events %v loads=%d state=%s", r2.names(), loader.Loads(), ts.State())
	}
}

func TestDecodeFailureKeepsSessionReady(t *testing.T) {
	eng := enginetest.New(64, " ok")
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	eng.FailDecode(errors.New("transient"))
	h, r := ts.run("Hello")
	wait(t, h)
	if diff := cmp.Diff([]string{"started", "failed"}, r.names()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if ts.State() != Ready {
		t.Fatalf("state=%s", ts.State())
	}
	h2, r2 := ts.run("Hello")
	wait(t, h2)
	if EventName(r2.last()) != "completed" {
		t.Fatalf("events %v", r2.names())
	}
}

func TestCurrentContextBeforeLoad(t *testing.T) {
	ts := newTestSession(t, &enginetest.Loader{Engine: enginetest.New(64)}, nil)
	_, err := ts.CurrentContext(context.Background())
	if !errkind.Is(err, errkind.SessionContextUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestPredictChannel(t *testing.T) {
	ts := newTestSession(t, &enginetest.Loader{Engine: enginetest.New(64, " Hi")}, nil)
	h, ch := ts.Predict(context.Background(), "Hello")
	var names []string
	for ev := range ch {
		names = append(names, EventName(ev))
	}
	wait(t, h)
	want := []string{"started", "token", "context", "completed"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictChannelContextCancel(t *testing.T) {
	eng := enginetest.New(64, " Hi")
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	eng.Gate(entered, release)

	ctx, cancel := context.WithCancel(context.Background())
	h, ch := ts.Predict(ctx, "Hello")
	if ev := <-ch; EventName(ev) != "started" {
		t.Fatalf("first event %s", EventName(ev))
	}
	recv(t, entered)
	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for !h.Cancelled() {
		if time.Now().After(deadline) {
			t.Fatalf("context cancel did not reach the prediction")
		}
		time.Sleep(time.Millisecond)
	}
	eng.Gate(nil, nil)
	close(release)
	for range ch {
	}
	wait(t, h)
	if _, ok := h.Outcome().(Cancelled); !ok {
		t.Fatalf("outcome=%#v", h.Outcome())
	}
}

func TestPredictionMetrics(t *testing.T) {
	completed := predictionsTotal.WithLabelValues("completed")
	before := testutil.ToFloat64(completed)
	generated := testutil.ToFloat64(tokensGenerated)

	ts := newTestSession(t, &enginetest.Loader{Engine: enginetest.New(64, " a", " b")}, nil)
	h, _ := ts.run("Hello")
	wait(t, h)
	if got := testutil.ToFloat64(completed) - before; got != 1 {
		t.Fatalf("completed delta=%v", got)
	}
	if got := testutil.ToFloat64(tokensGenerated) - generated; got != 2 {
		t.Fatalf("generated delta=%v", got)
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	eng := enginetest.New(64)
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, nil)
	ts.LoadModelIfNeeded()
	ts.work.Flush()
	if err := ts.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !eng.Stats().Closed || ts.State() != Idle {
		t.Fatalf("closed=%v state=%s", eng.Stats().Closed, ts.State())
	}
	h, r := ts.run("Hello")
	wait(t, h)
	f, ok := r.last().(Failed)
	if !ok || !errors.Is(f.Err, ErrClosed) {
		t.Fatalf("events %v", r.names())
	}
	if _, err := ts.CurrentContext(context.Background()); !errkind.Is(err, errkind.SessionContextUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestContextRequestedMidPredictionIsConsistent(t *testing.T) {
	eng := enginetest.New(64, " a", " b", " c")
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	eng.Gate(entered, release)
	ts := newTestSession(t, &enginetest.Loader{Engine: eng}, func(p *Params) { p.MaxTokens = 2 })
	h, _ := ts.run("Hello world")
	recv(t, entered)

	got := make(chan SessionContext, 1)
	ts.GetCurrentContext(func(c SessionContext, err error) {
		if err != nil {
			t.Errorf("context: %v", err)
		}
		got <- c
	}, nil)
	close(release)
	wait(t, h)

	var c SessionContext
	select {
	case c = <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("context never delivered")
	}
	st := ts.Status().Counters
	// the last sampled token is pending, not yet decoded
	if st.NPast != 4 || st.Pending != 1 || len(c.Tokens) != st.NPast+st.Pending {
		t.Fatalf("tokens=%d counters %+v", len(c.Tokens), st)
	}
	if c.Tokens[4].Text != " b" || c.Text != "Hello world a b" {
		t.Fatalf("context %+v", c)
	}
}

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sessiond/internal/engine"
	"sessiond/internal/errkind"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errkind.New(errkind.GeneralPredictionFailure, "session closed")

// Options configure a Session beyond its Params.
type Options struct {
	// Loader loads the model. Required.
	Loader engine.Loader
	// Observer receives lifecycle notifications; nil drops them.
	Observer Observer
	// Logger is optional; nil disables logging.
	Logger *zerolog.Logger
}

// Totals accumulate over the session's lifetime.
type Totals struct {
	Predictions int `json:"predictions"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	Failed      int `json:"failed"`
	Generated   int `json:"generated"`
	Decoded     int `json:"decoded"`
	Reused      int `json:"reused"`
}

// Status is a read-only projection of the session.
type Status struct {
	State       State
	Err         string
	ModelPath   string
	Loaded      bool
	ContextSize int
	InFlight    int
	Counters    Counters
	Totals      Totals
}

// Session is the public state machine:
//
//	Idle -> LoadingModel -> Ready <-> Predicting
//	LoadingModel -> Error, Predicting -> Error (engine unusable)
//
// Error is not terminal; the next load or prediction tries again. Load,
// prediction and snapshot work runs on one serial queue in submission order.
type Session struct {
	params   Params
	mc       *ModelContext
	setup    *SetupCoordinator
	log      zerolog.Logger
	observer Observer

	work    *Queue
	notifyQ *Queue
	events  *Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	err      error
	seq      uint64
	failSeq  uint64
	loadErr  error
	handles  map[uuid.UUID]*PredictionHandle
	counters Counters
	totals   Totals
	closed   bool
}

// New returns an idle session. Nothing is loaded until LoadModelIfNeeded or
// the first prediction.
func New(p Params, opts Options) *Session {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	var obs Observer = NoopObserver{}
	if opts.Observer != nil {
		obs = opts.Observer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		mc:       newModelContext(p),
		setup:    NewSetupCoordinator(opts.Loader, log),
		log:      log,
		observer: obs,
		work:     NewQueue(),
		notifyQ:  NewQueue(),
		events:   NewQueue(),
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[uuid.UUID]*PredictionHandle),
	}
	s.params = s.mc.Params()
	return s
}

// Params returns the session parameters with defaults applied.
func (s *Session) Params() Params {
	p := s.params
	p.Antiprompts = append([]string(nil), p.Antiprompts...)
	return p
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind the Error state, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns a consistent copy of state, counters and totals.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state,
		ModelPath:   s.params.ModelPath,
		Loaded:      s.mc.Initialized(),
		ContextSize: s.params.ContextSize,
		InFlight:    len(s.handles),
		Counters:    s.counters,
		Totals:      s.totals,
	}
	if s.err != nil {
		st.Err = s.err.Error()
	}
	return st
}

// enqueueLocked assigns the next sequence number and posts f. s.mu must be held.
func (s *Session) enqueueLocked(f func(seq uint64)) {
	s.seq++
	seq := s.seq
	s.work.Post(func() { f(seq) })
}

func (s *Session) notify(f func(Observer)) {
	s.notifyQ.Post(func() { f(s.observer) })
}

// post runs f on q, or inline when q no longer accepts work.
func post(q *Queue, f func()) {
	if !q.Post(f) {
		f()
	}
}

// LoadModelIfNeeded enqueues a load unless the session is loaded or loading.
func (s *Session) LoadModelIfNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch s.state {
	case Ready, Predicting, LoadingModel:
		return
	}
	s.state = LoadingModel
	s.enqueueLocked(func(seq uint64) { _ = s.ensureLoaded(seq) })
}

// ensureLoaded runs on the work queue. Work enqueued before a load failure
// was recorded gets that failure; later work tries again.
func (s *Session) ensureLoaded(seq uint64) error {
	if s.mc.Initialized() {
		return nil
	}
	s.mu.Lock()
	if s.loadErr != nil && seq <= s.failSeq {
		err := s.loadErr
		s.mu.Unlock()
		return err
	}
	s.state = LoadingModel
	s.mu.Unlock()
	s.notify(func(o Observer) { o.DidStartLoadingModel() })

	err := s.setup.Setup(s.ctx, s.mc)

	s.mu.Lock()
	if err != nil {
		s.state, s.err, s.loadErr, s.failSeq = Error, err, err, s.seq
		s.mu.Unlock()
		s.log.Error().Err(err).Str("kind", errkind.KindOf(err).String()).Str("model", s.params.ModelPath).Msg("model load failed")
		s.notify(func(o Observer) { o.DidMoveToErrorState(err) })
		return err
	}
	s.state, s.err, s.loadErr = Ready, nil, nil
	s.counters = s.mc.State().counters()
	s.mu.Unlock()
	s.notify(func(o Observer) { o.DidLoadModel() })
	return nil
}

// RunPrediction enqueues prompt, loading the model first if needed. handler
// runs on q (the session's own delivery queue when q is nil) and sees events
// in generation order with exactly one terminal event last.
func (s *Session) RunPrediction(prompt string, handler Handler, q *Queue) *PredictionHandle {
	if q == nil {
		q = s.events
	}
	if handler == nil {
		handler = func(PredictionEvent) {}
	}
	h := newHandle()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ev := Failed{Err: ErrClosed}
		h.finish(ev, PredictionStats{})
		post(q, func() { handler(ev); h.delivered() })
		return h
	}
	s.handles[h.ID] = h
	s.enqueueLocked(func(seq uint64) { s.predict(seq, h, prompt, handler, q) })
	s.mu.Unlock()
	return h
}

func (s *Session) predict(seq uint64, h *PredictionHandle, prompt string, handler Handler, q *Queue) {
	finish := func(ev PredictionEvent, st PredictionStats) {
		h.finish(ev, st)
		s.record(h, ev, st)
		post(q, func() { handler(ev); h.delivered() })
	}
	if h.Cancelled() {
		finish(Cancelled{}, PredictionStats{})
		return
	}
	if err := s.ensureLoaded(seq); err != nil {
		finish(Failed{Err: err}, PredictionStats{})
		return
	}

	s.setState(Predicting)
	s.notify(func(o Observer) { o.DidStartPredicting() })
	rs := s.mc.State()
	x := &execution{
		m:         s.mc.Model(),
		rs:        rs,
		p:         s.mc.Params(),
		log:       s.log.With().Str("prediction", h.ID.String()).Logger(),
		cancelled: h.Cancelled,
		emit:      func(ev PredictionEvent) { post(q, func() { handler(ev) }) },
	}
	ev := x.run(prompt)

	var unusable error
	if f, ok := ev.(Failed); ok {
		s.log.Warn().Err(f.Err).Str("kind", errkind.KindOf(f.Err).String()).Msg("prediction failed")
		if errors.Is(f.Err, engine.ErrUnusable) {
			unusable = f.Err
		}
	}
	s.mu.Lock()
	s.counters = rs.counters()
	if unusable != nil {
		s.state, s.err = Error, unusable
	} else {
		s.state = Ready
	}
	s.mu.Unlock()
	s.notify(func(o Observer) { o.DidFinishPredicting() })
	if unusable != nil {
		if err := s.mc.release(); err != nil {
			s.log.Warn().Err(err).Msg("closing unusable model")
		}
		s.notify(func(o Observer) { o.DidMoveToErrorState(unusable) })
	}
	finish(ev, x.stats)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) record(h *PredictionHandle, ev PredictionEvent, st PredictionStats) {
	outcome := EventName(ev)
	predictionsTotal.WithLabelValues(outcome).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h.ID)
	t := &s.totals
	t.Predictions++
	switch ev.(type) {
	case Completed:
		t.Completed++
	case Cancelled:
		t.Cancelled++
	case Failed:
		t.Failed++
	}
	t.Generated += st.Generated
	t.Decoded += st.Decoded
	t.Reused += st.Reused
}

// Cancel cancels the in-flight prediction with the given id. It reports
// whether such a prediction exists.
func (s *Session) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	h := s.handles[id]
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// GetCurrentContext enqueues a snapshot read and hands the result to handler
// on q (the session's delivery queue when nil). It fails with
// SessionContextUnavailable when no model is loaded.
func (s *Session) GetCurrentContext(handler func(SessionContext, error), q *Queue) {
	if q == nil {
		q = s.events
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		post(q, func() { handler(SessionContext{}, errkind.New(errkind.SessionContextUnavailable, "session closed")) })
		return
	}
	s.enqueueLocked(func(uint64) {
		c, err := s.currentContext()
		post(q, func() { handler(c, err) })
	})
}

func (s *Session) currentContext() (SessionContext, error) {
	if !s.mc.Initialized() {
		return SessionContext{}, errkind.New(errkind.SessionContextUnavailable, "no model loaded")
	}
	return snapshot(s.mc.Model(), s.mc.State()), nil
}

// Predict is RunPrediction with a channel. The channel is closed after the
// terminal event. Cancelling ctx cancels the prediction; once ctx is done,
// events not yet received are dropped.
func (s *Session) Predict(ctx context.Context, prompt string) (*PredictionHandle, <-chan PredictionEvent) {
	ch := make(chan PredictionEvent)
	q := NewQueue()
	h := s.RunPrediction(prompt, func(ev PredictionEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
		if IsTerminal(ev) {
			close(ch)
			q.Close()
		}
	}, q)
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.Done():
		}
	}()
	return h, ch
}

// CurrentContext is GetCurrentContext that waits for the result.
func (s *Session) CurrentContext(ctx context.Context) (SessionContext, error) {
	type result struct {
		c   SessionContext
		err error
	}
	res := make(chan result, 1)
	s.GetCurrentContext(func(c SessionContext, err error) { res <- result{c, err} }, nil)
	select {
	case r := <-res:
		return r.c, r.err
	case <-ctx.Done():
		return SessionContext{}, ctx.Err()
	}
}

// Close cancels outstanding predictions, waits for queued work to finish and
// frees the model. It must not be called from a handler or observer.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hs := make([]*PredictionHandle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
	}
	s.cancel()
	s.work.Close()
	s.work.Wait()
	err := s.mc.release()

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
	s.notifyQ.Close()
	s.notifyQ.Wait()
	s.events.Close()
	s.events.Wait()
	return err
}

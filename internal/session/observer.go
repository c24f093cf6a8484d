package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Observer receives lifecycle notifications in the order of the underlying
// state transitions. Calls arrive on the session's observer queue, one at a
// time. Implementations should be lightweight and must not panic.
type Observer interface {
	DidStartLoadingModel()
	DidLoadModel()
	DidStartPredicting()
	DidFinishPredicting()
	DidMoveToErrorState(err error)
}

// NoopObserver drops notifications.
type NoopObserver struct{}

func (NoopObserver) DidStartLoadingModel()     {}
func (NoopObserver) DidLoadModel()             {}
func (NoopObserver) DidStartPredicting()       {}
func (NoopObserver) DidFinishPredicting()      {}
func (NoopObserver) DidMoveToErrorState(error) {}

// Notification is one recorded observer call.
type Notification struct {
	Name string
	Err  error
}

// MemoryObserver stores notifications in-memory for tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []Notification
}

func NewMemoryObserver() *MemoryObserver { return &MemoryObserver{} }

func (o *MemoryObserver) add(n Notification) {
	o.mu.Lock()
	o.events = append(o.events, n)
	o.mu.Unlock()
}

func (o *MemoryObserver) DidStartLoadingModel()         { o.add(Notification{Name: "did_start_loading_model"}) }
func (o *MemoryObserver) DidLoadModel()                 { o.add(Notification{Name: "did_load_model"}) }
func (o *MemoryObserver) DidStartPredicting()           { o.add(Notification{Name: "did_start_predicting"}) }
func (o *MemoryObserver) DidFinishPredicting()          { o.add(Notification{Name: "did_finish_predicting"}) }
func (o *MemoryObserver) DidMoveToErrorState(err error) { o.add(Notification{Name: "did_move_to_error_state", Err: err}) }

// Notifications returns a copy of what was recorded.
func (o *MemoryObserver) Notifications() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Notification, len(o.events))
	copy(out, o.events)
	return out
}

// Names returns the recorded notification names in order.
func (o *MemoryObserver) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.events))
	for i, e := range o.events {
		out[i] = e.Name
	}
	return out
}

// LogObserver writes notifications to a zerolog logger.
type LogObserver struct {
	Log   zerolog.Logger
	Model string
}

func (o LogObserver) DidStartLoadingModel() {
	o.Log.Info().Str("event", "load_start").Str("model", o.Model).Msg("loading model")
}

func (o LogObserver) DidLoadModel() {
	o.Log.Info().Str("event", "load_ok").Str("model", o.Model).Msg("model loaded")
}

func (o LogObserver) DidStartPredicting() {
	o.Log.Debug().Str("event", "predict_start").Msg("prediction started")
}

func (o LogObserver) DidFinishPredicting() {
	o.Log.Debug().Str("event", "predict_done").Msg("prediction finished")
}

func (o LogObserver) DidMoveToErrorState(err error) {
	o.Log.Error().Err(err).Str("event", "session_error").Str("model", o.Model).Msg("session moved to error state")
}

// Observers fans notifications out to obs in order.
func Observers(obs ...Observer) Observer { return multiObserver(obs) }

type multiObserver []Observer

func (m multiObserver) DidStartLoadingModel() {
	for _, o := range m {
		o.DidStartLoadingModel()
	}
}

func (m multiObserver) DidLoadModel() {
	for _, o := range m {
		o.DidLoadModel()
	}
}

func (m multiObserver) DidStartPredicting() {
	for _, o := range m {
		o.DidStartPredicting()
	}
}

func (m multiObserver) DidFinishPredicting() {
	for _, o := range m {
		o.DidFinishPredicting()
	}
}

func (m multiObserver) DidMoveToErrorState(err error) {
	for _, o := range m {
		o.DidMoveToErrorState(err)
	}
}

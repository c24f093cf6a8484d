package session

// PredictionEvent is one unit streamed from a prediction. The variants are
// Started, OutputToken, UpdatedSessionContext, Completed, Cancelled and
// Failed. For each prediction the handler sees
//
//	Started, OutputToken*, UpdatedSessionContext?, terminal
//
// and exactly one terminal event (Completed, Cancelled or Failed), always last.
// A prediction cancelled or failed before it starts sees only the terminal event.
type PredictionEvent interface {
	predictionEvent()
}

type Started struct{}

type OutputToken struct {
	Text string
}

type UpdatedSessionContext struct {
	Context SessionContext
}

type Completed struct{}

type Cancelled struct{}

type Failed struct {
	Err error
}

func (Started) predictionEvent()               {}
func (OutputToken) predictionEvent()           {}
func (UpdatedSessionContext) predictionEvent() {}
func (Completed) predictionEvent()             {}
func (Cancelled) predictionEvent()             {}
func (Failed) predictionEvent()                {}

// IsTerminal reports whether ev ends a prediction.
func IsTerminal(ev PredictionEvent) bool {
	switch ev.(type) {
	case Completed, Cancelled, Failed:
		return true
	}
	return false
}

// EventName is the wire name of an event variant.
func EventName(ev PredictionEvent) string {
	switch ev.(type) {
	case Started:
		return "started"
	case OutputToken:
		return "token"
	case UpdatedSessionContext:
		return "context"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Handler receives prediction events on the delivery queue.
type Handler func(PredictionEvent)

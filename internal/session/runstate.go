package session

import "sessiond/internal/engine"

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	LoadingModel
	Ready
	Predicting
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingModel:
		return "loading_model"
	case Ready:
		return "ready"
	case Predicting:
		return "predicting"
	case Error:
		return "error"
	}
	return "unknown"
}

// Ring is a fixed-capacity history of the most recent tokens.
type Ring struct {
	buf   []engine.Token
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]engine.Token, capacity)}
}

// Push appends t, evicting the oldest token when full.
func (r *Ring) Push(t engine.Token) {
	c := len(r.buf)
	if r.n < c {
		r.buf[(r.start+r.n)%c] = t
		r.n++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % c
}

func (r *Ring) Len() int { return r.n }
func (r *Ring) Cap() int { return len(r.buf) }

// Tail returns a copy of the newest n tokens, oldest first.
func (r *Ring) Tail(n int) []engine.Token {
	if n > r.n {
		n = r.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]engine.Token, n)
	c := len(r.buf)
	first := r.start + r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(first+i)%c]
	}
	return out
}

// RunState is the decode bookkeeping of one ModelContext. It is only touched
// from the session work queue.
//
// KV holds the tokens folded into the engine, so len(KV) == NPast. Embd holds
// tokens waiting to be decoded; they survive across predictions.
type RunState struct {
	Embd             []engine.Token
	NPast            int
	NRemain          int
	NConsumed        int
	NSessionConsumed int
	EmbdInp          []engine.Token
	SessionTokens    []engine.Token
	LastN            *Ring
	KV               []engine.Token

	IsAntiprompt      bool
	NeedToSaveSession bool

	// NKeep is resolved on the first prediction.
	NKeep int
	// cacheMatched is set once the loaded session cache was compared
	// against the first prompt.
	cacheMatched bool
	// cacheOff stops session-cache maintenance after a context shift.
	cacheOff bool
}

func newRunState(contextSize int) *RunState {
	return &RunState{LastN: NewRing(contextSize), NKeep: -1}
}

// Counters is a copy of the RunState counters safe to read anywhere.
type Counters struct {
	NPast            int `json:"n_past"`
	NRemain          int `json:"n_remain"`
	NConsumed        int `json:"n_consumed"`
	NSessionConsumed int `json:"n_session_consumed"`
	Pending          int `json:"pending"`
	Input            int `json:"input"`
	SessionTokens    int `json:"session_tokens"`
	IsAntiprompt     bool `json:"is_antiprompt"`
}

func (rs *RunState) counters() Counters {
	return Counters{
		NPast:            rs.NPast,
		NRemain:          rs.NRemain,
		NConsumed:        rs.NConsumed,
		NSessionConsumed: rs.NSessionConsumed,
		Pending:          len(rs.Embd),
		Input:            len(rs.EmbdInp),
		SessionTokens:    len(rs.SessionTokens),
		IsAntiprompt:     rs.IsAntiprompt,
	}
}

// push records a token in Embd and the history ring.
func (rs *RunState) push(t engine.Token) {
	rs.Embd = append(rs.Embd, t)
	rs.LastN.Push(t)
}

// commit records n decoded tokens from the head of Embd.
func (rs *RunState) commit(n int) {
	rs.KV = append(rs.KV, rs.Embd[:n]...)
	rs.NPast += n
	rs.Embd = rs.Embd[n:]
}

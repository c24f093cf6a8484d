// Package enginetest provides a deterministic, scripted engine.Model for tests
// of the session engine and the HTTP layer. Text is split into whitespace-led
// pieces ("Hello world" -> "Hello", " world"), each interned as a token id;
// Sample replays a script of pieces and returns EOS once it runs out.
package enginetest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unicode"

	"sessiond/internal/engine"
)

const (
	BOS engine.Token = 1
	EOS engine.Token = 2
)

// Stats is a copy of the engine counters.
type Stats struct {
	DecodeCalls   int
	DecodedTokens int
	Samples       int
	Saves         int
	Loads         int
	KV            []engine.Token
	Closed        bool
}

// Engine is a scripted engine.Model that also implements engine.StatePersister.
type Engine struct {
	mu      sync.Mutex
	vocab   map[string]engine.Token
	pieces  map[engine.Token]string
	next    engine.Token
	script  []string
	pos     int
	kv      []engine.Token
	ctxSize int
	stats   Stats

	gate      chan struct{}
	entered   chan struct{}
	decodeErr error
	sampleErr error
}

// New returns an engine whose Sample calls replay script in order.
func New(ctxSize int, script ...string) *Engine {
	e := &Engine{
		vocab:   make(map[string]engine.Token),
		pieces:  map[engine.Token]string{BOS: "", EOS: ""},
		next:    3,
		script:  script,
		ctxSize: ctxSize,
	}
	return e
}

// Gate makes every subsequent Decode call signal entered (when non-nil) and
// then block until it receives from release.
func (e *Engine) Gate(entered chan struct{}, release chan struct{}) {
	e.mu.Lock()
	e.entered = entered
	e.gate = release
	e.mu.Unlock()
}

// FailDecode makes the next Decode call return err.
func (e *Engine) FailDecode(err error) {
	e.mu.Lock()
	e.decodeErr = err
	e.mu.Unlock()
}

// FailSample makes the next Sample call return err.
func (e *Engine) FailSample(err error) {
	e.mu.Lock()
	e.sampleErr = err
	e.mu.Unlock()
}

// AppendScript adds pieces to the sample script.
func (e *Engine) AppendScript(pieces ...string) {
	e.mu.Lock()
	e.script = append(e.script, pieces...)
	e.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.KV = append([]engine.Token(nil), e.kv...)
	return s
}

// Piece returns the interned id for piece, allocating one if needed.
func (e *Engine) Piece(piece string) engine.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intern(piece)
}

func (e *Engine) intern(piece string) engine.Token {
	if id, ok := e.vocab[piece]; ok {
		return id
	}
	id := e.next
	e.next++
	e.vocab[piece] = id
	e.pieces[id] = piece
	return id
}

// SplitPieces splits text into whitespace-led pieces.
func SplitPieces(text string) []string {
	var out []string
	start := 0
	prevSpace := true
	for i, r := range text {
		space := unicode.IsSpace(r)
		if i > start && space && !prevSpace {
			out = append(out, text[start:i])
			start = i
		}
		prevSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func (e *Engine) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engine.Token
	if addBOS {
		out = append(out, BOS)
	}
	for _, p := range SplitPieces(text) {
		out = append(out, e.intern(p))
	}
	return out, nil
}

func (e *Engine) TokenText(id engine.Token) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pieces[id]
}

func (e *Engine) Decode(tokens []engine.Token, nPast int, threads int) error {
	e.mu.Lock()
	e.stats.DecodeCalls++
	gate, entered := e.gate, e.entered
	e.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.decodeErr; err != nil {
		e.decodeErr = nil
		return err
	}
	if threads <= 0 {
		return errors.New("decode: threads must be positive")
	}
	if nPast > len(e.kv) {
		return fmt.Errorf("decode: n_past %d beyond cache length %d", nPast, len(e.kv))
	}
	if nPast+len(tokens) > e.ctxSize {
		return fmt.Errorf("decode: %d tokens at %d overflow context %d", len(tokens), nPast, e.ctxSize)
	}
	e.kv = append(e.kv[:nPast], tokens...)
	e.stats.DecodedTokens += len(tokens)
	return nil
}

func (e *Engine) Sample(history []engine.Token) (engine.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Samples++
	if err := e.sampleErr; err != nil {
		e.sampleErr = nil
		return 0, err
	}
	if e.pos >= len(e.script) {
		return EOS, nil
	}
	p := e.script[e.pos]
	e.pos++
	return e.intern(p), nil
}

func (e *Engine) EOS() engine.Token { return EOS }

func (e *Engine) ContextSize() int { return e.ctxSize }

func (e *Engine) Close() error {
	e.mu.Lock()
	e.stats.Closed = true
	e.mu.Unlock()
	return nil
}

type savedState struct {
	KV     []engine.Token          `json:"kv"`
	Pieces map[engine.Token]string `json:"pieces"`
}

func (e *Engine) SaveState(path string) error {
	e.mu.Lock()
	st := savedState{KV: append([]engine.Token(nil), e.kv...), Pieces: make(map[engine.Token]string)}
	for _, t := range e.kv {
		st.Pieces[t] = e.pieces[t]
	}
	e.stats.Saves++
	e.mu.Unlock()
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadState restores the KV cache and re-interns the saved pieces, so token
// ids stay meaningful across engine instances.
func (e *Engine) LoadState(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var st savedState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range st.Pieces {
		e.pieces[id] = p
		e.vocab[p] = id
		if id >= e.next {
			e.next = id + 1
		}
	}
	e.kv = st.KV
	return nil
}

// Loader hands out engines. Factory, when set, builds a fresh engine per load;
// otherwise Engine is returned every time.
type Loader struct {
	mu      sync.Mutex
	Engine  *Engine
	Factory func(p engine.Params) *Engine
	Err     error
	Gate    chan struct{}
	loads   int
	params  []engine.Params
}

func (l *Loader) Load(ctx context.Context, p engine.Params) (engine.Model, error) {
	l.mu.Lock()
	l.loads++
	l.params = append(l.params, p)
	gate, err := l.Gate, l.Err
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	var e *Engine
	if l.Factory != nil {
		e = l.Factory(p)
	} else {
		e = l.Engine
	}
	if e == nil {
		return nil, errors.New("enginetest: no engine configured")
	}
	e.mu.Lock()
	e.stats.Loads++
	if e.ctxSize == 0 {
		e.ctxSize = p.ContextSize
	}
	e.mu.Unlock()
	return e, nil
}

// SetErr changes the error returned by subsequent loads.
func (l *Loader) SetErr(err error) {
	l.mu.Lock()
	l.Err = err
	l.mu.Unlock()
}

// Loads returns how many times Load was called.
func (l *Loader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// LastParams returns the params of the most recent load.
func (l *Loader) LastParams() engine.Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.params) == 0 {
		return engine.Params{}
	}
	return l.params[len(l.params)-1]
}

// WriteGGUF writes a minimal GGUF v3 model file declaring a llama
// architecture with the given block count and returns its path.
func WriteGGUF(t testing.TB, dir, name string, blockCount uint32) string {
	t.Helper()
	var b []byte
	b = append(b, "GGUF"...)
	b = binary.LittleEndian.AppendUint32(b, 3)
	b = binary.LittleEndian.AppendUint64(b, 0) // tensors
	b = binary.LittleEndian.AppendUint64(b, 2) // kvs
	b = appendString(b, "general.architecture")
	b = binary.LittleEndian.AppendUint32(b, 8) // string
	b = appendString(b, "llama")
	b = appendString(b, "llama.block_count")
	b = binary.LittleEndian.AppendUint32(b, 4) // uint32
	b = binary.LittleEndian.AppendUint32(b, blockCount)
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(s)))
	return append(b, s...)
}

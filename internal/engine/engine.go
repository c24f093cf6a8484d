// Package engine defines the boundary between the session engine and the
// compute engine that owns tensors, the KV cache and sampling.
//
// Runtimes:
//
//   - In-process llama (standard):
//     Uses go-llama.cpp. Enabled with `-tags=llama`.
//     Files: llama.go, llama_cgo.go (linker rpath hints).
//     A no-CGO stub (llama_stub.go) is compiled when the tag is not set.
//
//   - Scripted engine for tests: package enginetest.
package engine

import (
	"context"
	"errors"
)

// Token is a vocabulary id.
type Token int32

// ErrUnusable is wrapped by engine errors after which the loaded model can no
// longer be used (e.g. a corrupted KV cache). The session reloads on the next call.
var ErrUnusable = errors.New("engine: model context unusable")

// SamplingParams are passed through to the engine untouched.
type SamplingParams struct {
	TopK          int
	TopP          float32
	Temperature   float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Params configures a model load.
type Params struct {
	ModelPath   string
	ContextSize int
	BatchSize   int
	Threads     int
	Seed        int32
	GPULayers   int
	LoraAdapter string
	Sampling    SamplingParams
}

// Loader loads models. Load blocks until the model is resident or fails.
type Loader interface {
	Load(ctx context.Context, p Params) (Model, error)
}

// Model is a loaded model with a single decode context.
//
// Decode folds tokens into the KV cache starting at position nPast; positions
// at or beyond nPast are overwritten. Sample picks the next token; history is
// the recent output already cut to the repeat-penalty window.
// Implementations are not safe for concurrent use.
//
// TokenText is for display. An engine that only sees text may not know the
// piece of every input token: the go-llama.cpp engine knows sampled tokens and
// one-token inputs, and returns "" for other input tokens. Concatenating
// TokenText over a sequence is therefore exact only for generated output.
type Model interface {
	Tokenize(text string, addBOS bool) ([]Token, error)
	TokenText(id Token) string
	Decode(tokens []Token, nPast int, threads int) error
	Sample(history []Token) (Token, error)
	EOS() Token
	ContextSize() int
	Close() error
}

// StatePersister is implemented by models that can save and restore their KV
// state, which makes a persisted session cache resumable without re-decoding.
type StatePersister interface {
	SaveState(path string) error
	LoadState(path string) error
}

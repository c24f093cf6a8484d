//go:build !llama

package engine

// This file provides a no-CGO stub for the llama engine. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.

import (
	"context"
	"errors"
)

const llamaBuilt = false

// ErrNotBuilt is returned by the stub loader.
var ErrNotBuilt = errors.New("llama support not built (missing 'llama' build tag)")

type llamaLoader struct{}

// NewLlamaLoader returns a Loader that refuses to load without the 'llama'
// build tag.
func NewLlamaLoader() Loader { return llamaLoader{} }

func (llamaLoader) Load(ctx context.Context, p Params) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotBuilt
}

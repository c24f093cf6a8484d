package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfAndIsWalkTheChain(t *testing.T) {
	root := errors.New("bad magic 0x1234")
	inner := Wrap(InvalidModelBadMagic, "inspect", root)
	outer := Wrap(ModelTypeUndetermined, "model type", inner)
	wrapped := fmt.Errorf("cli: %w", outer)

	if k := KindOf(wrapped); k != ModelTypeUndetermined {
		t.Fatalf("KindOf=%v want %v", k, ModelTypeUndetermined)
	}
	if !Is(wrapped, InvalidModelBadMagic) {
		t.Fatalf("expected inner kind to be found")
	}
	if Is(wrapped, PromptTooLong) {
		t.Fatalf("unexpected kind match")
	}
	if !errors.Is(wrapped, root) {
		t.Fatalf("expected root cause to be reachable")
	}
}

func TestKindOfNonTaxonomyError(t *testing.T) {
	if k := KindOf(errors.New("x")); k != Unknown {
		t.Fatalf("KindOf=%v want unknown", k)
	}
	if Is(nil, GeneralLoadFailure) {
		t.Fatalf("nil error must not match")
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		InvalidArguments:          http.StatusBadRequest,
		PromptTooLong:             http.StatusBadRequest,
		SessionContextUnavailable: http.StatusConflict,
		InvalidModelBadMagic:      http.StatusServiceUnavailable,
		GeneralLoadFailure:        http.StatusServiceUnavailable,
		GeneralPredictionFailure:  http.StatusInternalServerError,
		QuantizationFailed:        http.StatusInternalServerError,
		ConversionFailed:          http.StatusInternalServerError,
	}
	for k, want := range cases {
		e := &Error{Kind: k}
		if got := e.StatusCode(); got != want {
			t.Fatalf("%v: status=%d want %d", k, got, want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	if got := New(PromptTooLong, "").Error(); got != "prompt_too_long" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Wrap(GeneralLoadFailure, "load", errors.New("oom")).Error(); got != "load: oom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestIsLoadKind(t *testing.T) {
	if !IsLoadKind(Wrap(LoraApplyFailed, "lora", errors.New("missing"))) {
		t.Fatalf("lora failure is a load kind")
	}
	if IsLoadKind(New(PromptTooLong, "")) || IsLoadKind(errors.New("plain")) {
		t.Fatalf("non-load errors reported as load kinds")
	}
}

//go:build llama

package engine

import (
	"strings"
	"testing"
)

func newTextModel(kv []Token, text []string, spans ...span) *llamaModel {
	return &llamaModel{pieces: make(map[Token]string), kv: kv, kvText: text, spans: spans}
}

func transcript(m *llamaModel) string { return strings.Join(m.kvText, "") }

func decode(t *testing.T, m *llamaModel, nPast int, tokens ...Token) {
	t.Helper()
	if err := m.Decode(tokens, nPast, 1); err != nil {
		t.Fatalf("decode %v at %d: %v", tokens, nPast, err)
	}
}

func TestSpanTextOnLastToken(t *testing.T) {
	m := newTextModel(nil, nil, span{tokens: []Token{1, 2, 3}, text: "Hello world"})
	decode(t, m, 0, 1, 2)
	decode(t, m, 2, 3)
	if m.kvText[0] != "" || m.kvText[1] != "" || m.kvText[2] != "Hello world" || len(m.spans) != 0 {
		t.Fatalf("kvText=%q spans=%d", m.kvText, len(m.spans))
	}

	m.pieces[9] = " Hi"
	m.sampled, m.hasSampled = 9, true
	decode(t, m, 3, 9)
	if got := transcript(m); got != "Hello world Hi" {
		t.Fatalf("transcript %q", got)
	}
}

func TestSpanHeadReusedFromCache(t *testing.T) {
	// restored state of "Hello world" followed by a prompt that extends it
	m := newTextModel([]Token{1, 2, 3}, []string{"", "", "Hello world"},
		span{tokens: []Token{1, 2, 3, 4}, text: "Hello world again"})
	decode(t, m, 3, 4)
	if m.kvText[3] != " again" || transcript(m) != "Hello world again" {
		t.Fatalf("kvText=%q", m.kvText)
	}
}

func TestLastInputTokenDecodedAgain(t *testing.T) {
	m := newTextModel([]Token{1, 2, 3, 9, 10}, []string{"", "", "Hello world", " Hi", " there"},
		span{tokens: []Token{1, 2, 3}, text: "Hello world"})
	decode(t, m, 2, 3)
	if len(m.kv) != 3 || transcript(m) != "Hello world" {
		t.Fatalf("kv=%v kvText=%q", m.kv, m.kvText)
	}
}

func TestSpanReusedThenDecoded(t *testing.T) {
	m := newTextModel([]Token{1, 2}, []string{"", "Hello"},
		span{tokens: []Token{1, 2, 3, 4}, text: "Hello big world"})
	decode(t, m, 2, 3, 4)
	if transcript(m) != "Hello big world" || m.kvText[2] != "" {
		t.Fatalf("kvText=%q", m.kvText)
	}
}

func TestStaleSpanDropped(t *testing.T) {
	m := newTextModel(nil, nil,
		span{tokens: []Token{5, 6}, text: "rejected prompt"},
		span{tokens: []Token{7, 8}, text: "fresh text"})
	decode(t, m, 0, 7, 8)
	if transcript(m) != "fresh text" || len(m.spans) != 0 {
		t.Fatalf("kvText=%q spans=%d", m.kvText, len(m.spans))
	}
}

func TestSampledTokenNotTakenFromSpan(t *testing.T) {
	m := newTextModel(nil, nil, span{tokens: []Token{9, 10}, text: " Hi all"})
	m.pieces[9] = " Hi"
	m.sampled, m.hasSampled = 9, true
	decode(t, m, 0, 9)
	if m.kvText[0] != " Hi" || len(m.spans) != 1 || len(m.spans[0].tokens) != 2 {
		t.Fatalf("kvText=%q spans=%+v", m.kvText, m.spans)
	}
}

func TestOneTokenSpanRecordsPiece(t *testing.T) {
	m := newTextModel(nil, nil, span{tokens: []Token{4}, text: " again"})
	decode(t, m, 0, 4)
	if got := m.TokenText(4); got != " again" {
		t.Fatalf("TokenText=%q", got)
	}
	if err := m.Decode([]Token{1}, 5, 1); err == nil {
		t.Fatalf("decode beyond cache length accepted")
	}
}

package session

import (
	"strings"

	"sessiond/internal/engine"
)

// SessionContextToken pairs a token id with its text.
type SessionContextToken struct {
	ID   engine.Token `json:"id"`
	Text string       `json:"text"`
}

// SessionContext is a point-in-time copy of what the model has seen: the
// decoded tokens followed by the pending ones. It holds no reference to the
// RunState and may be shared or persisted freely. Text is empty when there
// are no tokens.
type SessionContext struct {
	Text   string                `json:"text"`
	Tokens []SessionContextToken `json:"tokens"`
}

// TokenIDs returns the token ids in order.
func (c SessionContext) TokenIDs() []engine.Token {
	out := make([]engine.Token, len(c.Tokens))
	for i, t := range c.Tokens {
		out[i] = t.ID
	}
	return out
}

// snapshot reads rs without modifying it. It must run on the work queue.
func snapshot(m engine.Model, rs *RunState) SessionContext {
	n := len(rs.KV) + len(rs.Embd)
	if n == 0 {
		return SessionContext{}
	}
	toks := make([]SessionContextToken, 0, n)
	var sb strings.Builder
	for _, src := range [][]engine.Token{rs.KV, rs.Embd} {
		for _, id := range src {
			text := m.TokenText(id)
			toks = append(toks, SessionContextToken{ID: id, Text: text})
			sb.WriteString(text)
		}
	}
	return SessionContext{Text: sb.String(), Tokens: toks}
}

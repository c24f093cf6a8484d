//go:build llama

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// eosToken is returned by Sample when go-llama.cpp stops without a piece.
const eosToken Token = -1

type llamaLoader struct{}

// NewLlamaLoader returns a Loader backed by go-llama.cpp.
func NewLlamaLoader() Loader { return llamaLoader{} }

func (llamaLoader) Load(ctx context.Context, p Params) (Model, error) {
	if strings.TrimSpace(p.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(p.ContextSize),
	}
	if p.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(p.GPULayers))
	}
	if p.LoraAdapter != "" {
		mo = append(mo, llama.SetLoraAdapter(p.LoraAdapter))
	}
	l, err := llama.New(p.ModelPath, mo...)
	if err != nil {
		return nil, err
	}
	// llama.cpp refuses to start from an empty prompt-cache file, so only
	// the directory is created here.
	dir, err := os.MkdirTemp("", "sessiond-prompt-cache-")
	if err != nil {
		l.Free()
		return nil, err
	}
	return &llamaModel{l: l, p: p, pieces: make(map[Token]string), cacheDir: dir}, nil
}

// llamaModel adapts go-llama.cpp's text-level API to the token-level Model
// contract. go-llama.cpp evaluates text inside Predict, so Decode only keeps
// the per-position transcript the next Sample call continues from; the prompt
// cache lets llama.cpp skip the prefix it evaluated last time.
//
// Piece text is known for sampled tokens. Tokenized input contributes its
// text through the last token of each Tokenize span; the other tokens of a
// span carry "". When the head of a span was reused from the session cache
// instead of decoded, the text already held at the reused positions is cut
// from the front of the span text.
type llamaModel struct {
	l        *llama.LLama
	p        Params
	cacheDir string
	pieces   map[Token]string
	spans    []span
	kv       []Token
	kvText   []string

	// sampled is the last token Sample returned, until it is decoded
	sampled    Token
	hasSampled bool
}

type span struct {
	tokens []Token
	text   string
	// skipped counts tokens committed without Decode, decoded those that
	// went through it
	skipped, decoded int
}

func (m *llamaModel) Tokenize(text string, addBOS bool) ([]Token, error) {
	_, ids, err := m.l.TokenizeString(text, llama.SetThreads(max(1, m.p.Threads)))
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(ids))
	for i, id := range ids {
		out[i] = Token(id)
	}
	if len(out) > 0 {
		m.spans = append(m.spans, span{tokens: out, text: text})
	}
	return out, nil
}

func (m *llamaModel) TokenText(id Token) string { return m.pieces[id] }

func (m *llamaModel) Decode(tokens []Token, nPast int, threads int) error {
	if nPast > len(m.kv) {
		return fmt.Errorf("decode at %d beyond cache length %d", nPast, len(m.kv))
	}
	m.kv = m.kv[:nPast]
	m.kvText = m.kvText[:nPast]
	for _, t := range tokens {
		text := m.textFor(t, len(m.kv))
		m.kv = append(m.kv, t)
		m.kvText = append(m.kvText, text)
	}
	return nil
}

// textFor attributes text to token t about to be written at pos: the piece of
// the token Sample just returned, or the span text when t closes a pending
// Tokenize span. Spans left behind by rejected or cancelled input are dropped
// once a later span matches.
func (m *llamaModel) textFor(t Token, pos int) string {
	if m.hasSampled && m.sampled == t {
		m.hasSampled = false
		return m.pieces[t]
	}
	for i := range m.spans {
		j := slices.Index(m.spans[i].tokens, t)
		if j < 0 || (i > 0 && j > 0) {
			continue
		}
		m.spans = m.spans[i:]
		s := &m.spans[0]
		s.skipped += j
		s.tokens = s.tokens[j+1:]
		if len(s.tokens) > 0 {
			s.decoded++
			return ""
		}
		text := s.text
		if start := pos - s.decoded - s.skipped; s.skipped > 0 && start >= 0 {
			text = strings.TrimPrefix(text, strings.Join(m.kvText[start:pos], ""))
		} else if _, ok := m.pieces[t]; !ok && s.decoded == 0 {
			// a one-token span is that token's piece
			m.pieces[t] = text
		}
		m.spans = m.spans[1:]
		return text
	}
	return m.pieces[t]
}

func (m *llamaModel) Sample(history []Token) (Token, error) {
	var piece string
	m.l.SetTokenCallback(func(tok string) bool {
		piece += tok
		return false
	})
	defer m.l.SetTokenCallback(nil)
	s := m.p.Sampling
	po := []llama.PredictOption{
		llama.SetTokens(1),
		llama.SetThreads(max(1, m.p.Threads)),
		llama.SetTopK(zn(s.TopK, llama.DefaultOptions.TopK)),
		llama.SetTopP(zf(s.TopP, llama.DefaultOptions.TopP)),
		llama.SetTemperature(zf(s.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(s.RepeatPenalty, llama.DefaultOptions.Penalty)),
		// history is already cut to the repeat window
		llama.SetRepeat(len(history)),
		llama.SetPathPromptCache(filepath.Join(m.cacheDir, "prompt.bin")),
		llama.EnablePromptCacheAll,
	}
	if m.p.Seed != 0 {
		po = append(po, llama.SetSeed(int(m.p.Seed)))
	}
	out, err := m.l.Predict(strings.Join(m.kvText, ""), po...)
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}
	if piece == "" {
		piece = out
	}
	if piece == "" {
		return eosToken, nil
	}
	_, ids, err := m.l.TokenizeString(piece)
	if err != nil || len(ids) == 0 {
		return 0, fmt.Errorf("tokenize sampled piece %q: %w", piece, errors.Join(err, ErrUnusable))
	}
	id := Token(ids[len(ids)-1])
	m.pieces[id] = piece
	m.sampled, m.hasSampled = id, true
	return id, nil
}

func (m *llamaModel) EOS() Token { return eosToken }

func (m *llamaModel) ContextSize() int { return m.p.ContextSize }

// SaveState stores the KV state and the transcript next to it.
func (m *llamaModel) SaveState(path string) error {
	if err := m.l.SaveState(path); err != nil {
		return err
	}
	b, err := json.Marshal(m.kvText)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".text.json", b, 0o644)
}

func (m *llamaModel) LoadState(path string) error {
	if err := m.l.LoadState(path); err != nil {
		return err
	}
	b, err := os.ReadFile(path + ".text.json")
	if err != nil {
		return err
	}
	var text []string
	if err := json.Unmarshal(b, &text); err != nil {
		return err
	}
	m.kvText = text
	m.kv = make([]Token, len(text))
	return nil
}

func (m *llamaModel) Close() error {
	if m.l != nil {
		m.l.Free()
		m.l = nil
	}
	if m.cacheDir != "" {
		return os.RemoveAll(m.cacheDir)
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

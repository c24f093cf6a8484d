package session

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sessiond/internal/engine"
	"sessiond/internal/errkind"
)

// promptReserve is the headroom a prompt must leave in the context window.
const promptReserve = 4

// execution runs one prediction against a loaded ModelContext. It owns the
// RunState for its duration; callers guarantee that by running it on the
// session work queue.
type execution struct {
	m         engine.Model
	rs        *RunState
	p         Params
	log       zerolog.Logger
	cancelled func() bool
	emit      func(PredictionEvent)
	stats     PredictionStats
}

// run feeds prompt and generates until the budget is spent, EOS is sampled,
// an antiprompt appears or the prediction is cancelled. Non-terminal events
// go through emit; the terminal event is returned.
func (x *execution) run(prompt string) PredictionEvent {
	rs, m, p := x.rs, x.m, x.p

	var toks []engine.Token
	if len(rs.KV) == 0 && len(rs.Embd) == 0 {
		init, err := m.Tokenize(p.InitialPrompt, true)
		if err != nil {
			return Failed{Err: errkind.Wrap(errkind.GeneralPredictionFailure, "tokenize initial prompt", err)}
		}
		toks = init
	}
	text := prompt
	if p.Mode == Instructional {
		text = p.PromptPrefix + prompt + p.PromptSuffix
	}
	pt, err := m.Tokenize(text, false)
	if err != nil {
		return Failed{Err: errkind.Wrap(errkind.GeneralPredictionFailure, "tokenize prompt", err)}
	}
	initLen := len(toks)
	toks = append(toks, pt...)
	if len(toks) > p.ContextSize-promptReserve {
		return Failed{Err: errkind.New(errkind.PromptTooLong,
			fmt.Sprintf("prompt is %d tokens, context window allows %d", len(toks), p.ContextSize-promptReserve))}
	}

	if rs.NKeep < 0 {
		if p.KeepTokens < 0 {
			rs.NKeep = initLen
		} else {
			rs.NKeep = min(p.KeepTokens, len(toks))
		}
	}
	rs.EmbdInp = append(rs.EmbdInp, toks...)
	rs.NRemain = p.MaxTokens
	rs.IsAntiprompt = false
	x.stats.PromptTokens = len(toks)
	x.matchSessionCache()

	x.emit(Started{})

	out := newTailBuffer(p.Antiprompts)
	for rs.NRemain != 0 || rs.NConsumed < len(rs.EmbdInp) {
		if x.cancelled() {
			return x.cancel()
		}
		if len(rs.Embd) > 0 {
			if ev := x.decodePending(); ev != nil {
				return ev
			}
		}

		if rs.NConsumed < len(rs.EmbdInp) {
			for rs.NConsumed < len(rs.EmbdInp) {
				rs.push(rs.EmbdInp[rs.NConsumed])
				rs.NConsumed++
				if len(rs.Embd) >= p.BatchSize {
					break
				}
			}
			continue
		}

		if rs.NeedToSaveSession {
			rs.NeedToSaveSession = false
			if err := saveSessionCache(m, p.SessionCachePath, rs.SessionTokens); err != nil {
				x.log.Warn().Err(err).Str("path", p.SessionCachePath).Msg("session cache save failed")
			} else {
				x.log.Debug().Str("path", p.SessionCachePath).Int("tokens", len(rs.SessionTokens)).Msg("session cache saved")
			}
		}

		id, err := m.Sample(rs.LastN.Tail(p.Sampling.RepeatLastN))
		if err != nil {
			return x.fail("sample", err)
		}
		if id == m.EOS() {
			break
		}
		rs.push(id)
		rs.NRemain--
		x.stats.Generated++
		tokensGenerated.Inc()

		piece := m.TokenText(id)
		x.emit(OutputToken{Text: piece})
		if out.add(piece) {
			rs.IsAntiprompt = true
			break
		}
	}

	x.emit(UpdatedSessionContext{Context: snapshot(m, rs)})
	return Completed{}
}

// matchSessionCache compares a freshly loaded session cache with the input,
// once per ModelContext. When the cache covers the whole input and more, it
// is cut to len(EmbdInp)-1 so the last input token is decoded again.
func (x *execution) matchSessionCache() {
	rs, p := x.rs, x.p
	caching := p.SessionCachePath != "" && !rs.cacheOff
	if rs.cacheMatched {
		rs.NeedToSaveSession = caching
		return
	}
	rs.cacheMatched = true
	n := commonPrefix(rs.SessionTokens, rs.EmbdInp)
	x.stats.Matched = n
	if len(rs.EmbdInp) > 0 && n == len(rs.EmbdInp) && len(rs.SessionTokens) > len(rs.EmbdInp) {
		rs.SessionTokens = rs.SessionTokens[:len(rs.EmbdInp)-1]
	}
	rs.NeedToSaveSession = caching && n < len(rs.EmbdInp)
	if len(rs.SessionTokens) > 0 {
		x.log.Debug().Int("matched", n).Int("input", len(rs.EmbdInp)).Int("cache", len(rs.SessionTokens)).Msg("session cache prefix match")
	}
}

func commonPrefix(a, b []engine.Token) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// decodePending folds Embd into the KV cache. It shifts the context when it
// would overflow, skips tokens the session cache already holds and decodes
// the rest in BatchSize chunks, checking for cancellation after each chunk.
func (x *execution) decodePending() PredictionEvent {
	rs, m, p := x.rs, x.m, x.p

	if rs.NPast+len(rs.Embd) > p.ContextSize {
		if ev := x.shiftContext(); ev != nil {
			return ev
		}
	}

	if rs.NSessionConsumed < len(rs.SessionTokens) {
		i := 0
		for ; i < len(rs.Embd); i++ {
			if rs.Embd[i] != rs.SessionTokens[rs.NSessionConsumed] {
				rs.SessionTokens = rs.SessionTokens[:rs.NSessionConsumed]
				break
			}
			rs.NSessionConsumed++
			if rs.NSessionConsumed >= len(rs.SessionTokens) {
				i++
				break
			}
		}
		if i > 0 {
			rs.commit(i)
			x.stats.Reused += i
			tokensReused.Add(float64(i))
		}
	}

	caching := p.SessionCachePath != "" && !rs.cacheOff
	for len(rs.Embd) > 0 {
		n := min(p.BatchSize, len(rs.Embd))
		if err := m.Decode(rs.Embd[:n], rs.NPast, p.Threads); err != nil {
			return x.fail("decode", err)
		}
		if caching {
			rs.SessionTokens = append(rs.SessionTokens, rs.Embd[:n]...)
			rs.NSessionConsumed = len(rs.SessionTokens)
		}
		rs.commit(n)
		x.stats.Decoded += n
		tokensDecoded.Add(float64(n))
		if x.cancelled() {
			return x.cancel()
		}
	}
	return nil
}

// shiftContext keeps the first NKeep tokens and re-inserts up to half of the
// rest ahead of Embd. The session cache no longer matches the KV cache
// afterwards, so it is dropped for the rest of the session.
func (x *execution) shiftContext() PredictionEvent {
	rs, p := x.rs, x.p
	nKeep := max(0, min(rs.NKeep, rs.NPast))
	room := p.ContextSize - nKeep - len(rs.Embd)
	if room < 0 {
		return x.fail("context shift", fmt.Errorf("%d pending tokens do not fit a context of %d keeping %d", len(rs.Embd), p.ContextSize, nKeep))
	}
	nLeft := rs.NPast - nKeep
	n := min(nLeft/2, room)
	reinsert := make([]engine.Token, 0, n+len(rs.Embd))
	reinsert = append(reinsert, rs.KV[rs.NPast-n:]...)
	reinsert = append(reinsert, rs.Embd...)

	x.log.Debug().Int("n_past", rs.NPast).Int("keep", nKeep).Int("reinsert", n).Msg("context shift")
	rs.KV = rs.KV[:nKeep]
	rs.NPast = nKeep
	rs.Embd = reinsert
	rs.cacheOff = true
	rs.SessionTokens = nil
	rs.NSessionConsumed = 0
	rs.NeedToSaveSession = false
	return nil
}

// cancel drops input the prediction has not consumed yet. Pending Embd
// tokens are already in the history and are decoded by the next prediction.
func (x *execution) cancel() PredictionEvent {
	x.rs.EmbdInp = x.rs.EmbdInp[:x.rs.NConsumed]
	return Cancelled{}
}

// fail drops pending work so KV and NPast stay consistent with the engine.
func (x *execution) fail(op string, err error) PredictionEvent {
	x.rs.Embd = nil
	x.rs.EmbdInp = x.rs.EmbdInp[:x.rs.NConsumed]
	return Failed{Err: errkind.Wrap(errkind.GeneralPredictionFailure, op, err)}
}

// tailBuffer keeps the end of the generated text, long enough to find any
// antiprompt that straddles token boundaries.
type tailBuffer struct {
	b           []byte
	antiprompts []string
	longest     int
}

func newTailBuffer(antiprompts []string) *tailBuffer {
	t := &tailBuffer{antiprompts: antiprompts}
	for _, a := range antiprompts {
		t.longest = max(t.longest, len(a))
	}
	return t
}

// add appends piece and reports whether an antiprompt now ends within the
// last len(antiprompt)+len(piece) bytes. Matching is case-sensitive.
func (t *tailBuffer) add(piece string) bool {
	if len(t.antiprompts) == 0 {
		return false
	}
	t.b = append(t.b, piece...)
	if keep := t.longest + len(piece); len(t.b) > keep {
		t.b = append(t.b[:0:0], t.b[len(t.b)-keep:]...)
	}
	s := string(t.b)
	for _, a := range t.antiprompts {
		from := max(0, len(s)-(len(a)+len(piece)))
		if strings.Contains(s[from:], a) {
			return true
		}
	}
	return false
}

package session

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"sessiond/internal/common/fsutil"
	"sessiond/internal/engine"
	"sessiond/internal/errkind"
)

// Session cache file layout, little-endian:
//
//	magic   [4]byte "sess"
//	version uint32  1
//	count   uint32
//	tokens  [count]int32
//
// Engine KV state, when the engine can persist it, lives at path + ".state".
const (
	cacheMagic   = "sess"
	cacheVersion = 1
)

// StatePath returns where the engine state for a cache file is kept.
func StatePath(cachePath string) string { return cachePath + ".state" }

// ReadTokens loads a session cache. A missing file yields no tokens and no
// error; an unreadable or malformed one fails with SessionContextUnavailable.
func ReadTokens(path string) ([]engine.Token, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.SessionContextUnavailable, "open session cache", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errkind.Wrap(errkind.SessionContextUnavailable, "read session cache header", err)
	}
	if string(hdr[:4]) != cacheMagic {
		return nil, errkind.New(errkind.SessionContextUnavailable, fmt.Sprintf("%s: not a session cache", path))
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != cacheVersion {
		return nil, errkind.New(errkind.SessionContextUnavailable, fmt.Sprintf("%s: unsupported session cache version %d", path, v))
	}
	n := binary.LittleEndian.Uint32(hdr[8:12])
	if st, err := f.Stat(); err == nil && int64(n)*4 > st.Size()-12 {
		return nil, errkind.New(errkind.SessionContextUnavailable, fmt.Sprintf("%s: truncated session cache", path))
	}
	out := make([]engine.Token, n)
	var b [4]byte
	for i := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errkind.Wrap(errkind.SessionContextUnavailable, "read session cache tokens", err)
		}
		out[i] = engine.Token(int32(binary.LittleEndian.Uint32(b[:])))
	}
	return out, nil
}

// WriteTokens writes tokens as a session cache, replacing path atomically.
func WriteTokens(path string, tokens []engine.Token) error {
	buf := make([]byte, 0, 12+4*len(tokens))
	buf = append(buf, cacheMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, cacheVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tokens)))
	for _, t := range tokens {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	if err := fsutil.WriteFileAtomic(path, buf, 0o644); err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	return nil
}

// saveSessionCache writes the token list and, when supported, the engine state.
func saveSessionCache(m engine.Model, path string, tokens []engine.Token) error {
	if err := WriteTokens(path, tokens); err != nil {
		return err
	}
	if sp, ok := m.(engine.StatePersister); ok {
		if err := sp.SaveState(StatePath(path)); err != nil {
			return fmt.Errorf("save engine state: %w", err)
		}
	} else {
		_ = os.Remove(StatePath(path))
	}
	return nil
}

// Package modelutil inspects model files and converts them between
// quantization types. Inspection reads only the file header: GGUF files
// (versions 1-3) and the legacy ggml family (ggmf, ggjt). The number of
// transformer layers decides the model type.
package modelutil

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"sessiond/internal/errkind"
)

// Format names the container format of a model file.
type Format string

const (
	FormatGGUF Format = "gguf"
	FormatGGMF Format = "ggmf"
	FormatGGJT Format = "ggjt"
)

// ModelType is the parameter-count class derived from the layer count.
type ModelType string

const (
	Type7B      ModelType = "7B"
	Type13B     ModelType = "13B"
	Type30B     ModelType = "30B"
	Type65B     ModelType = "65B"
	TypeUnknown ModelType = "unknown"
)

// Header is what Inspect learns from a model file.
type Header struct {
	Path         string
	Format       Format
	Version      uint32
	Architecture string
	Layers       uint32
	Size         int64
}

// Type maps the layer count to a model type.
func (h Header) Type() ModelType {
	switch h.Layers {
	case 32:
		return Type7B
	case 40:
		return Type13B
	case 60:
		return Type30B
	case 80:
		return Type65B
	}
	return TypeUnknown
}

// legacy magics as read little-endian from the first four bytes
const (
	magicGGML uint32 = 0x67676d6c
	magicGGMF uint32 = 0x67676d66
	magicGGJT uint32 = 0x67676a74
)

// ReadHeader opens path and parses its header. Errors carry the load kinds
// (FailedToOpenModelFile, InvalidModelUnversioned, InvalidModelBadMagic,
// InvalidModelUnsupportedFileVersion) so the load path can report them as is.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, errkind.Wrap(errkind.FailedToOpenModelFile, "open "+path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Header{}, errkind.Wrap(errkind.FailedToOpenModelFile, "stat "+path, err)
	}
	if st.IsDir() {
		return Header{}, errkind.New(errkind.FailedToOpenModelFile, path+" is a directory")
	}
	h := Header{Path: path, Size: st.Size()}
	r := newReader(bufio.NewReader(f), st.Size())

	magic, err := r.readN(4)
	if err != nil {
		return h, errkind.Wrap(errkind.InvalidModelBadMagic, "read magic", err)
	}
	if string(magic) == "GGUF" {
		h.Format = FormatGGUF
		err = readGGUF(r, &h)
		return h, err
	}
	switch m := binary.LittleEndian.Uint32(magic); m {
	case magicGGML:
		return h, errkind.New(errkind.InvalidModelUnversioned, "unversioned ggml model file; reconvert it")
	case magicGGMF:
		h.Format = FormatGGMF
		err = readLegacy(r, &h, 1)
	case magicGGJT:
		h.Format = FormatGGJT
		err = readLegacy(r, &h, 3)
	default:
		return h, errkind.New(errkind.InvalidModelBadMagic, fmt.Sprintf("bad magic %#08x", m))
	}
	return h, err
}

// Inspect returns the model type of the file at path. Any failure, including
// a layer count that maps to no known type, is reported as
// ModelTypeUndetermined wrapping the underlying kind.
func Inspect(path string) (ModelType, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return TypeUnknown, errkind.Wrap(errkind.ModelTypeUndetermined, "inspect", err)
	}
	t := h.Type()
	if t == TypeUnknown {
		return t, errkind.New(errkind.ModelTypeUndetermined, fmt.Sprintf("inspect: no model type has %d layers", h.Layers))
	}
	return t, nil
}

// truncated reports whether err means the header ended early.
func truncated(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

package modelutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"sessiond/internal/engine/enginetest"
	"sessiond/internal/errkind"
)

func writeLegacy(t *testing.T, magic, version uint32, layers int32) string {
	t.Helper()
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, magic)
	if magic != magicGGML {
		b = binary.LittleEndian.AppendUint32(b, version)
	}
	for _, v := range []int32{32000, 4096, 256, 32, layers, 128, 2} {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	p := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func ggufString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(s)))
	return append(b, s...)
}

func TestInspectGGUF(t *testing.T) {
	p := enginetest.WriteGGUF(t, t.TempDir(), "m.gguf", 40)
	mt, err := Inspect(p)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if mt != Type13B {
		t.Fatalf("type=%s want 13B", mt)
	}
	h, err := ReadHeader(p)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Format != FormatGGUF || h.Version != 3 || h.Architecture != "llama" || h.Layers != 40 {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestInspectGGUFSkipsArraysAndOtherArchitectures(t *testing.T) {
	var b []byte
	b = append(b, "GGUF"...)
	b = binary.LittleEndian.AppendUint32(b, 2)
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint64(b, 5)
	// tokenizer.ggml.tokens: array of strings
	b = ggufString(b, "tokenizer.ggml.tokens")
	b = binary.LittleEndian.AppendUint32(b, uint32(typeArray))
	b = binary.LittleEndian.AppendUint32(b, uint32(typeString))
	b = binary.LittleEndian.AppendUint64(b, 3)
	for _, s := range []string{"<s>", "</s>", "hello"} {
		b = ggufString(b, s)
	}
	// scores: array of f32
	b = ggufString(b, "tokenizer.ggml.scores")
	b = binary.LittleEndian.AppendUint32(b, uint32(typeArray))
	b = binary.LittleEndian.AppendUint32(b, uint32(typeFloat32))
	b = binary.LittleEndian.AppendUint64(b, 3)
	b = append(b, make([]byte, 12)...)
	b = ggufString(b, "other.block_count")
	b = binary.LittleEndian.AppendUint32(b, uint32(typeUint32))
	b = binary.LittleEndian.AppendUint32(b, 40)
	b = ggufString(b, "llama.block_count")
	b = binary.LittleEndian.AppendUint32(b, uint32(typeUint64))
	b = binary.LittleEndian.AppendUint64(b, 80)
	b = ggufString(b, "general.architecture")
	b = binary.LittleEndian.AppendUint32(b, uint32(typeString))
	b = ggufString(b, "llama")
	p := filepath.Join(t.TempDir(), "m.gguf")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mt, err := Inspect(p)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if mt != Type65B {
		t.Fatalf("type=%s want 65B", mt)
	}
}

func TestInspectLegacyFormats(t *testing.T) {
	cases := []struct {
		name   string
		magic  uint32
		ver    uint32
		layers int32
		want   ModelType
	}{
		{"ggjt v3 7B", magicGGJT, 3, 32, Type7B},
		{"ggjt v1 30B", magicGGJT, 1, 60, Type30B},
		{"ggmf v1 13B", magicGGMF, 1, 40, Type13B},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeLegacy(t, tc.magic, tc.ver, tc.layers)
			mt, err := Inspect(p)
			if err != nil {
				t.Fatalf("inspect: %v", err)
			}
			if mt != tc.want {
				t.Fatalf("type=%s want %s", mt, tc.want)
			}
		})
	}
}

func TestReadHeaderErrorKinds(t *testing.T) {
	dir := t.TempDir()
	badMagic := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(badMagic, []byte("NOPEnope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := []struct {
		name string
		path string
		want errkind.Kind
	}{
		{"missing", filepath.Join(dir, "missing.bin"), errkind.FailedToOpenModelFile},
		{"directory", dir, errkind.FailedToOpenModelFile},
		{"bad magic", badMagic, errkind.InvalidModelBadMagic},
		{"unversioned", writeLegacy(t, magicGGML, 0, 32), errkind.InvalidModelUnversioned},
		{"ggjt v4", writeLegacy(t, magicGGJT, 4, 32), errkind.InvalidModelUnsupportedFileVersion},
		{"ggmf v2", writeLegacy(t, magicGGMF, 2, 32), errkind.InvalidModelUnsupportedFileVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadHeader(tc.path)
			if k := errkind.KindOf(err); k != tc.want {
				t.Fatalf("kind=%v want %v (err=%v)", k, tc.want, err)
			}
			_, err = Inspect(tc.path)
			if errkind.KindOf(err) != errkind.ModelTypeUndetermined || !errkind.Is(err, tc.want) {
				t.Fatalf("inspect error %v should wrap %v in model_type_undetermined", err, tc.want)
			}
		})
	}
}

func TestInspectUnknownLayerCount(t *testing.T) {
	p := enginetest.WriteGGUF(t, t.TempDir(), "tiny.gguf", 4)
	mt, err := Inspect(p)
	if mt != TypeUnknown || errkind.KindOf(err) != errkind.ModelTypeUndetermined {
		t.Fatalf("got %s, %v", mt, err)
	}
}

func TestReadHeaderTruncatedGGUF(t *testing.T) {
	p := filepath.Join(t.TempDir(), "short.gguf")
	b := append([]byte("GGUF"), 3, 0, 0, 0, 0, 0)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHeader(p); errkind.KindOf(err) != errkind.GeneralLoadFailure {
		t.Fatalf("expected general load failure, got %v", err)
	}
}

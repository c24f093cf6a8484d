package modelutil

import (
	"fmt"
	"strings"

	"sessiond/internal/errkind"
)

type valueType uint32

const (
	typeUint8   valueType = 0
	typeInt8    valueType = 1
	typeUint16  valueType = 2
	typeInt16   valueType = 3
	typeUint32  valueType = 4
	typeInt32   valueType = 5
	typeFloat32 valueType = 6
	typeBool    valueType = 7
	typeString  valueType = 8
	typeArray   valueType = 9
	typeUint64  valueType = 10
	typeInt64   valueType = 11
	typeFloat64 valueType = 12
)

func (t valueType) width() int {
	switch t {
	case typeUint8, typeInt8, typeBool:
		return 1
	case typeUint16, typeInt16:
		return 2
	case typeUint32, typeInt32, typeFloat32:
		return 4
	case typeUint64, typeInt64, typeFloat64:
		return 8
	}
	return 0
}

// readGGUF reads the metadata KVs after the magic, keeping the architecture
// and its block count. Tensor infos are not read.
func readGGUF(r *reader, h *Header) error {
	ver, err := r.readU32()
	if err != nil {
		return errkind.Wrap(errkind.InvalidModelBadMagic, "read gguf version", err)
	}
	h.Version = ver
	if ver < 1 || ver > 3 {
		return errkind.New(errkind.InvalidModelUnsupportedFileVersion, fmt.Sprintf("unsupported gguf version %d", ver))
	}
	v1 := ver == 1
	if _, err := r.readLen(v1); err != nil { // tensor count
		return headerErr(err)
	}
	kvCount, err := r.readLen(v1)
	if err != nil {
		return headerErr(err)
	}

	blocks := map[string]uint32{}
	for i := uint64(0); i < kvCount; i++ {
		key, err := r.readString(v1)
		if err != nil {
			return headerErr(err)
		}
		tu, err := r.readU32()
		if err != nil {
			return headerErr(err)
		}
		t := valueType(tu)
		switch {
		case key == "general.architecture" && t == typeString:
			arch, err := r.readString(v1)
			if err != nil {
				return headerErr(err)
			}
			h.Architecture = arch
		case strings.HasSuffix(key, ".block_count") && (t == typeUint32 || t == typeInt32):
			n, err := r.readU32()
			if err != nil {
				return headerErr(err)
			}
			blocks[strings.TrimSuffix(key, ".block_count")] = n
		case strings.HasSuffix(key, ".block_count") && (t == typeUint64 || t == typeInt64):
			n, err := r.readU64()
			if err != nil {
				return headerErr(err)
			}
			blocks[strings.TrimSuffix(key, ".block_count")] = uint32(n)
		default:
			if err := skipValue(r, t, v1); err != nil {
				return headerErr(err)
			}
		}
	}
	if n, ok := blocks[h.Architecture]; ok {
		h.Layers = n
	}
	return nil
}

func skipValue(r *reader, t valueType, v1 bool) error {
	switch t {
	case typeString:
		n, err := r.readLen(v1)
		if err != nil {
			return err
		}
		return r.skip(n)
	case typeArray:
		et, err := r.readU32()
		if err != nil {
			return err
		}
		n, err := r.readLen(v1)
		if err != nil {
			return err
		}
		if w := valueType(et).width(); w > 0 {
			return r.skip(n * uint64(w))
		}
		for i := uint64(0); i < n; i++ {
			if err := skipValue(r, valueType(et), v1); err != nil {
				return err
			}
		}
		return nil
	}
	if w := t.width(); w > 0 {
		return r.skip(uint64(w))
	}
	return fmt.Errorf("unknown gguf value type %d", uint32(t))
}

func headerErr(err error) error {
	if truncated(err) {
		return errkind.Wrap(errkind.GeneralLoadFailure, "truncated model header", err)
	}
	return errkind.Wrap(errkind.GeneralLoadFailure, "read model header", err)
}

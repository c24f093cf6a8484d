package modelutil

import (
	"fmt"

	"sessiond/internal/errkind"
)

// readLegacy reads the version and hparams of a ggmf/ggjt file:
// n_vocab, n_embd, n_mult, n_head, n_layer, n_rot, ftype as int32.
func readLegacy(r *reader, h *Header, maxVersion uint32) error {
	ver, err := r.readU32()
	if err != nil {
		return headerErr(err)
	}
	h.Version = ver
	if ver < 1 || ver > maxVersion {
		return errkind.New(errkind.InvalidModelUnsupportedFileVersion,
			fmt.Sprintf("unsupported %s version %d (want 1..%d)", h.Format, ver, maxVersion))
	}
	var hp [7]int32
	for i := range hp {
		if hp[i], err = r.readI32(); err != nil {
			return headerErr(err)
		}
	}
	if hp[4] < 0 {
		return errkind.New(errkind.GeneralLoadFailure, fmt.Sprintf("negative layer count %d", hp[4]))
	}
	h.Architecture = "llama"
	h.Layers = uint32(hp[4])
	return nil
}

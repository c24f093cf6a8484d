package modelutil

import (
	"encoding/binary"
	"fmt"
	"io"
)

type reader struct {
	r    io.Reader
	off  int64
	size int64
}

func newReader(rd io.Reader, size int64) *reader {
	return &reader{r: rd, size: size}
}

func (r *reader) readN(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length %d", n)
	}
	if r.size > 0 && r.off+int64(n) > r.size {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	r.off += int64(n)
	return buf, nil
}

func (r *reader) skip(n uint64) error {
	if r.size > 0 && uint64(r.off)+n > uint64(r.size) {
		return io.ErrUnexpectedEOF
	}
	m, err := io.CopyN(io.Discard, r.r, int64(n))
	r.off += m
	return err
}

func (r *reader) readU32() (uint32, error) {
	b, err := r.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readI32() (int32, error) {
	v, err := r.readU32()
	return int32(v), err
}

func (r *reader) readU64() (uint64, error) {
	b, err := r.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readLen reads a length or count, which GGUF v1 stores as uint32.
func (r *reader) readLen(v1 bool) (uint64, error) {
	if v1 {
		n, err := r.readU32()
		return uint64(n), err
	}
	return r.readU64()
}

func (r *reader) readString(v1 bool) (string, error) {
	n, err := r.readLen(v1)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if r.size > 0 && n > uint64(r.size) {
		return "", fmt.Errorf("string length too large: %d", n)
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

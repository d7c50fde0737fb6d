// Package wire implements ZoneMesh's inter-node frame format. The
// original protocol relied on "the end of a send syscall" to delimit
// frames, which is non-portable across transports. Text frames (verbs,
// zone strings, endpoint triples) and raw value bodies (cache entry bytes
// during forwarding and migration) instead carry an explicit 4-byte
// big-endian length prefix; counts are fixed 8-byte big-endian values.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single frame's declared length, guarding against a
// malformed or malicious length prefix causing an unbounded allocation.
const MaxFrameLen = 64 << 20 // 64 MiB

// WriteFrame writes a length-prefixed text frame.
func WriteFrame(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// ReadFrame reads a length-prefixed text frame.
func ReadFrame(r io.Reader) (string, error) {
	b, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteBytes writes a length-prefixed raw byte frame (used for cache
// values, which are not necessarily valid text).
func WriteBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadBytes reads a length-prefixed raw byte frame.
func ReadBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameLen)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("wire: read frame body: %w", err)
		}
	}
	return buf, nil
}

// WriteUint64 writes a fixed-width 8-byte count, used for the entry and
// trash-key counts in MigrationEngine streams.
func WriteUint64(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("wire: write uint64: %w", err)
	}
	return nil
}

// ReadUint64 reads a fixed-width 8-byte count.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: read uint64: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// NewReader wraps r in a buffered reader sized for typical control-frame
// traffic, mirroring transport.go's use of buffered stream I/O around its
// RPC request/response exchanges.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}

// Package wire defines the peer message envelope, the length-prefixed frame
// codec it travels in, and one concrete content schema per message type.
// Content is validated at the parse boundary; malformed payloads surface as
// decode errors that callers log and drop, never as connection failures.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 1 << 20

// WriteFrame writes payload as a 4-byte big-endian length prefix plus body.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("wire: empty payload")
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: payload too large (%d bytes)", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("wire: invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Package sst implements the State Snapshot Transfer subsystem from
// spec.md §4.4: joiner/donor threads, the address rendezvous, and the
// length-prefixed snapshot framing over a plain TCP connection.
package sst

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeFrame writes payload length-prefixed by a 4-byte network-order u32.
// A nil or empty payload is sent as length 0, the bypass marker.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("sst: write length header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("sst: write payload (%d bytes): %w", len(payload), err)
	}
	return nil
}

// readFrame reads a 4-byte network-order u32 length followed by exactly
// that many bytes. A length of 0 returns a nil payload: bypass, the
// joiner will catch up via ordered write-set replay instead.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("sst: read length header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("sst: read payload (%d bytes): %w", length, err)
	}
	return buf, nil
}

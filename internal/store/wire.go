package store

import "encoding/binary"

// remoteOpWireLen is the minimum per-operation footprint on the wire: a
// destination index and a new value, both network-order uint32. Real
// deployments pad this up to the configured write-set size; the minimum
// exists so a degenerate configuration (ws_size smaller than 8 bytes per
// op) still decodes.
const remoteOpWireLen = 8

// EncodeReadView renders the read-view GTID prefix that opens every
// write-set on the wire. The transaction engine appends this as the first
// ordered data fragment of a local write-set.
func EncodeReadView(g GTID) []byte {
	return encodeGTID(nil, g)
}

// DecodeReadView reads the read-view GTID prefix from the front of a
// write-set, for callers (a certifying provider) that need it without
// going through Apply. It does not validate or consume the rest of ws.
func DecodeReadView(ws []byte) (GTID, error) {
	g, _, err := decodeGTID(ws)
	return g, err
}

// EncodeOperation renders one operation's data fragment: destination index
// and new value, network-order uint32 each, zero-padded to the operation's
// nominal size. The transaction engine appends one such fragment per
// operation as ordered data.
func EncodeOperation(op Operation) []byte {
	size := op.NominalSize
	if size < remoteOpWireLen {
		size = remoteOpWireLen
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(op.Dst))
	binary.BigEndian.PutUint32(buf[4:8], op.NewValue)
	return buf
}

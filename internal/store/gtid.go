// Package store implements the node's versioned record array: the single
// authoritative in-memory state (records, membership, GTID) behind one
// mutation point, plus state snapshot (de)serialization for SST.
package store

import (
	"encoding/binary"
	"fmt"
)

// UUID identifies a replication epoch or a cluster member.
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// Member is a node identity within the ordered membership array.
type Member = UUID

// GTID is the pair (epoch uuid, monotonically increasing seqno) assigned by
// the replication provider. Seqno is undefined (-1) before the node has
// joined any epoch.
type GTID struct {
	UUID  UUID
	Seqno int64
}

// UndefinedSeqno is used during initialization, before the node has been
// assigned a position in any epoch.
const UndefinedSeqno int64 = -1

// UndefinedGTID is the distinguished value used before initialization.
var UndefinedGTID = GTID{Seqno: UndefinedSeqno}

// IsUndefined reports whether g is the distinguished undefined GTID.
func (g GTID) IsUndefined() bool {
	return g.UUID == UUID{} && g.Seqno == UndefinedSeqno
}

// Next returns the GTID one seqno ahead of g, in the same epoch.
func (g GTID) Next() GTID {
	return GTID{UUID: g.UUID, Seqno: g.Seqno + 1}
}

const gtidWireLen = 16 + 8

// encodeGTID appends the network-order wire encoding of g to dst.
func encodeGTID(dst []byte, g GTID) []byte {
	dst = append(dst, g.UUID[:]...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(g.Seqno))
	return append(dst, seq[:]...)
}

// decodeGTID reads a network-order GTID from the front of src and returns
// the remaining, unconsumed bytes.
func decodeGTID(src []byte) (GTID, []byte, error) {
	if len(src) < gtidWireLen {
		return GTID{}, nil, fmt.Errorf("store: truncated gtid, need %d bytes, have %d", gtidWireLen, len(src))
	}
	var g GTID
	copy(g.UUID[:], src[:16])
	g.Seqno = int64(binary.BigEndian.Uint64(src[16:24]))
	return g, src[24:], nil
}

package store

import "encoding/binary"

// checksumPeriod is the number of committed seqnos between state checksum
// emissions, matching the original's store_update_gtid period constant.
const checksumPeriod = 0x1FFFFF

const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

func fnv1a(h uint32, b []byte) uint32 {
	for _, c := range b {
		h ^= uint32(c)
		h *= fnvPrime32
	}
	return h
}

// checksumState hashes members, records (version and value, network order) and the
// current GTID into a single FNV-1a word, for cheap cross-node divergence
// detection. Called with the Store's lock already held.
func (s *Store) checksumState() uint32 {
	h := fnvOffset32
	for _, m := range s.members {
		h = fnv1a(h, m[:])
	}
	var vbuf [8]byte
	var vvbuf [4]byte
	for _, r := range s.records {
		binary.BigEndian.PutUint64(vbuf[:], uint64(r.Version))
		h = fnv1a(h, vbuf[:])
		binary.BigEndian.PutUint32(vvbuf[:], r.Value)
		h = fnv1a(h, vvbuf[:])
	}
	h = fnv1a(h, s.gtid.UUID[:])
	binary.BigEndian.PutUint64(vbuf[:], uint64(s.gtid.Seqno))
	h = fnv1a(h, vbuf[:])
	return h
}

// maybeEmitChecksum logs a checksum line every checksumPeriod committed
// seqnos. Called with the lock held, after the GTID has been advanced.
func (s *Store) maybeEmitChecksum() {
	if s.gtid.Seqno%checksumPeriod != 0 {
		return
	}
	if s.logger == nil {
		return
	}
	s.logger.Info("state checksum", "gtid", s.gtid, "checksum", s.checksumState())
}

package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Snapshot wire format (network byte order throughout, resolving the
// host-vs-network-order open question the original sources left
// inconsistent):
//
//	<gtid-string>\0
//	<u32 members_num>
//	<members_num * 16-byte member uuid>
//	<u8 read_view_support>
//	<u32 records_num>
//	<records_num * record>        record = u64 version || u32 value

// AcquireState produces a self-describing snapshot of the current Store
// state and pins it until ReleaseState is called. At most one snapshot may
// be held acquired at a time.
func (s *Store) AcquireState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshotHeld {
		return nil, ErrSnapshotHeld
	}

	buf := s.encodeSnapshotLocked()
	s.snapshotHeld = true
	return buf, nil
}

// ReleaseState frees the pinned snapshot acquired by AcquireState.
func (s *Store) ReleaseState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.snapshotHeld {
		return ErrNoSnapshot
	}
	s.snapshotHeld = false
	return nil
}

func (s *Store) encodeSnapshotLocked() []byte {
	gtidStr := gtidString(s.gtid)
	buf := make([]byte, 0, len(gtidStr)+1+4+len(s.members)*16+1+4+len(s.records)*12)

	buf = append(buf, gtidStr...)
	buf = append(buf, 0)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(s.members)))
	buf = append(buf, u32[:]...)
	for _, m := range s.members {
		buf = append(buf, m[:]...)
	}

	if s.readViewSupport {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(s.records)))
	buf = append(buf, u32[:]...)
	var rec [12]byte
	for _, r := range s.records {
		binary.BigEndian.PutUint64(rec[:8], uint64(r.Version))
		binary.BigEndian.PutUint32(rec[8:], r.Value)
		buf = append(buf, rec[:]...)
	}
	return buf
}

// InitState parses buf into a new (GTID, membership, records, capability
// flag) and, if the parsed GTID is newer than the Store's current GTID
// within the same epoch, replaces the Store state atomically. Rejects
// stale snapshots (parsed GTID not newer than current, same epoch).
func (s *Store) InitState(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gtid, rest, err := parseGTIDString(buf)
	if err != nil {
		return fmt.Errorf("store: init_state: %w", err)
	}

	if len(rest) < 4 {
		return fmt.Errorf("store: init_state: truncated members_num")
	}
	membersNum := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	if uint64(len(rest)) < uint64(membersNum)*16 {
		return fmt.Errorf("store: init_state: truncated member array")
	}
	members := make([]Member, membersNum)
	for i := range members {
		copy(members[i][:], rest[:16])
		rest = rest[16:]
	}

	if len(rest) < 1 {
		return fmt.Errorf("store: init_state: truncated read_view_support flag")
	}
	readViewSupport := rest[0] != 0
	rest = rest[1:]

	if len(rest) < 4 {
		return fmt.Errorf("store: init_state: truncated records_num")
	}
	recordsNum := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	if uint64(len(rest)) < uint64(recordsNum)*12 {
		return fmt.Errorf("store: init_state: truncated record array")
	}
	records := make([]Record, recordsNum)
	for i := range records {
		records[i].Version = int64(binary.BigEndian.Uint64(rest[:8]))
		records[i].Value = binary.BigEndian.Uint32(rest[8:12])
		rest = rest[12:]
	}

	if !s.gtid.IsUndefined() && gtid.UUID == s.gtid.UUID && gtid.Seqno <= s.gtid.Seqno {
		return ErrStaleSnapshot
	}

	s.gtid = gtid
	s.members = members
	s.readViewSupport = readViewSupport
	s.records = records
	return nil
}

// gtidString renders a GTID as "<32 hex uuid chars>:<seqno>", the ASCII
// form used only in the snapshot header (the write-set wire format uses
// the fixed-width binary encoding in gtid.go instead).
func gtidString(g GTID) string {
	return hex.EncodeToString(g.UUID[:]) + ":" + strconv.FormatInt(g.Seqno, 10)
}

// parseGTIDString reads the null-terminated "<uuid>:<seqno>\0" prefix used
// by the snapshot format and returns the remaining bytes.
func parseGTIDString(buf []byte) (GTID, []byte, error) {
	idx := -1
	for i, b := range buf {
		if b == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return GTID{}, nil, fmt.Errorf("unterminated gtid string")
	}
	s := string(buf[:idx])
	uuidPart, seqnoPart, ok := strings.Cut(s, ":")
	if !ok {
		return GTID{}, nil, fmt.Errorf("malformed gtid string %q", s)
	}
	raw, err := hex.DecodeString(uuidPart)
	if err != nil || len(raw) != 16 {
		return GTID{}, nil, fmt.Errorf("malformed gtid uuid %q: %w", uuidPart, err)
	}
	seqno, err := strconv.ParseInt(seqnoPart, 10, 64)
	if err != nil {
		return GTID{}, nil, fmt.Errorf("malformed gtid seqno %q: %w", seqnoPart, err)
	}
	var g GTID
	copy(g.UUID[:], raw)
	g.Seqno = seqno
	return g, buf[idx+1:], nil
}

package store

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config configures a new Store. WriteSetSize and Operations derive the
// per-operation nominal wire size used as write-set padding.
type Config struct {
	Records      int
	WriteSetSize int
	Operations   int
	MinOpSize    int
	Logger       hclog.Logger
}

// DefaultConfig mirrors the CLI defaults in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Records:      1024,
		WriteSetSize: 256,
		Operations:   1,
		MinOpSize:    16,
	}
}

// Store holds the node's authoritative in-memory state under a single
// mutex: the versioned record array, the ordered membership array, and the
// current GTID. Every mutation passes through this one lock.
type Store struct {
	mu sync.Mutex

	records []Record
	members []Member
	gtid    GTID

	readViewSupport bool
	readViewFailures uint64

	snapshotHeld bool

	opSize int
	rng    *rand.Rand

	logger hclog.Logger
}

// Open allocates the record array and initializes each record to
// {version: undefined, value: index}.
func Open(cfg Config) (*Store, error) {
	if cfg.Records <= 0 {
		return nil, fmt.Errorf("store: records must be positive, got %d", cfg.Records)
	}
	if cfg.Operations <= 0 {
		cfg.Operations = 1
	}

	opSize := cfg.WriteSetSize / cfg.Operations
	if opSize < cfg.MinOpSize {
		opSize = cfg.MinOpSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	records := make([]Record, cfg.Records)
	for i := range records {
		records[i] = Record{Version: UndefinedSeqno, Value: uint32(i)}
	}

	return &Store{
		records: records,
		gtid:    UndefinedGTID,
		opSize:  opSize,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}, nil
}

// Close releases the record array, the membership array, and any held
// snapshot.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.members = nil
	s.snapshotHeld = false
}

// CurrentGTID returns a consistent copy of the Store's GTID.
func (s *Store) CurrentGTID() GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtid
}

// ReadViewFailures returns the number of commits rejected by the Store's
// own read-view verification, for the statistics printer.
func (s *Store) ReadViewFailures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readViewFailures
}

// Records returns a consistent copy of the record array, for
// observability and tests.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// UpdateMembership advances the Store by exactly one seqno in response to a
// PRIMARY view, either continuing the current epoch (uuid matches, seqno is
// current+1) or initializing from the undefined GTID. Any other combination
// is a fatal invariant violation.
func (s *Store) UpdateMembership(v MembershipView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.gtid.IsUndefined():
		// Initialization: accept whatever uuid/seqno the view presents.
	case v.StateID.UUID == s.gtid.UUID && v.StateID.Seqno == s.gtid.Seqno+1:
		// Continuation.
	default:
		return invariant(fmt.Sprintf(
			"membership update neither continues nor initializes the epoch: current=%v incoming=%v",
			s.gtid, v.StateID))
	}

	s.members = append([]Member(nil), v.Members...)
	s.gtid = v.StateID
	s.readViewSupport = v.ReadViewSupport
	s.maybeEmitChecksum()
	return nil
}

// BeginOrExtendOp attaches a fresh transaction context to h on first call
// (capturing the current GTID as the read view), then picks a random
// source/destination pair, reads both records, and computes the new value.
// If either record's version is newer than the read view, it returns
// ErrReadViewMoved and the caller must roll back.
func (s *Store) BeginOrExtendOp(h *TxnHandle) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.txn == nil {
		h.txn = &Txn{ReadView: s.gtid}
	}

	n := len(s.records)
	src := s.rng.Intn(n)
	dst := s.rng.Intn(n)

	srcRec := s.records[src]
	dstRec := s.records[dst]

	if srcRec.Version > h.txn.ReadView.Seqno || dstRec.Version > h.txn.ReadView.Seqno {
		return Operation{}, ErrReadViewMoved
	}

	op := Operation{
		Src:       src,
		Dst:       dst,
		SrcBefore: srcRec,
		DstBefore: dstRec,
		NewValue:  srcRec.Value + 1,
		NominalSize: s.opSize,
	}
	h.txn.Ops = append(h.txn.Ops, op)
	return op, nil
}

// Commit applies every operation in h's context under ws_gtid, which must
// equal the Store's current seqno + 1. When the provider lacks snapshot
// support the Store re-verifies each operation's source/destination
// against the live records and rolls back the whole transaction (counting
// a read-view failure) on any divergence. When the provider does advertise
// snapshot support, the same divergence is a fatal invariant violation,
// since certification should have caught it.
func (s *Store) Commit(h *TxnHandle, wsGTID GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOrdered(wsGTID); err != nil {
		return err
	}

	txn := h.txn
	if txn == nil {
		return invariant("commit called with no attached transaction context")
	}

	// Remote write-sets were already certified and totally ordered by the
	// provider; the read-view check below only applies to locally executed
	// transactions, which are the only ones that captured a read view.
	if !txn.remote {
		for _, op := range txn.Ops {
			if s.records[op.Src] != op.SrcBefore || s.records[op.Dst] != op.DstBefore {
				if s.readViewSupport {
					return invariant("read view diverged at commit despite provider snapshot support")
				}
				s.readViewFailures++
				h.txn = nil
				return ErrReadViewFailure
			}
		}
	}

	for _, op := range txn.Ops {
		s.records[op.Dst] = Record{Version: wsGTID.Seqno, Value: op.NewValue}
	}
	s.gtid = wsGTID
	h.txn = nil
	s.maybeEmitChecksum()
	return nil
}

// UpdateGTID advances the Store's GTID by one without mutating any record,
// for write-sets that were totally ordered but failed certification or
// were rolled back after consuming a seqno.
func (s *Store) UpdateGTID(wsGTID GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOrdered(wsGTID); err != nil {
		return err
	}
	s.gtid = wsGTID
	s.maybeEmitChecksum()
	return nil
}

// checkOrdered validates the GTID-step-1 and uuid-match invariants shared by
// Commit and UpdateGTID. Called with the lock held.
func (s *Store) checkOrdered(wsGTID GTID) error {
	if !s.gtid.IsUndefined() && wsGTID.UUID != s.gtid.UUID {
		return invariant(fmt.Sprintf("write-set uuid %s does not match store epoch %s", wsGTID.UUID, s.gtid.UUID))
	}
	if wsGTID.Seqno != s.gtid.Seqno+1 {
		return invariant(fmt.Sprintf("write-set seqno %d is not store seqno %d + 1", wsGTID.Seqno, s.gtid.Seqno))
	}
	return nil
}

// Apply deserializes a remote write-set's read-view GTID and operation
// sequence into a fresh transaction context. It never touches records.
func (s *Store) Apply(ws []byte) (*TxnHandle, error) {
	s.mu.Lock()
	opSize := s.opSize
	s.mu.Unlock()

	readView, rest, err := decodeGTID(ws)
	if err != nil {
		return nil, fmt.Errorf("store: apply: %w", err)
	}

	if opSize < remoteOpWireLen {
		opSize = remoteOpWireLen
	}
	if len(rest)%opSize != 0 {
		return nil, fmt.Errorf("store: apply: write-set body length %d is not a multiple of op size %d", len(rest), opSize)
	}

	ops := make([]Operation, 0, len(rest)/opSize)
	for len(rest) > 0 {
		dst := binary.BigEndian.Uint32(rest[0:4])
		newValue := binary.BigEndian.Uint32(rest[4:8])
		ops = append(ops, Operation{Dst: int(dst), NewValue: newValue, NominalSize: opSize})
		rest = rest[opSize:]
	}

	return &TxnHandle{txn: &Txn{ReadView: readView, Ops: ops, remote: true}}, nil
}

// Rollback releases h's transaction context. It never advances the GTID;
// the caller separately calls UpdateGTID if the write-set had already
// consumed a seqno.
func (s *Store) Rollback(h *TxnHandle) {
	h.txn = nil
}

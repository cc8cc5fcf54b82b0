package store

// ViewStatus mirrors the provider's view status.
type ViewStatus int

const (
	ViewPrimary ViewStatus = iota
	ViewNonPrimary
	ViewDisconnected
)

func (s ViewStatus) String() string {
	switch s {
	case ViewPrimary:
		return "PRIMARY"
	case ViewNonPrimary:
		return "NON-PRIMARY"
	case ViewDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Capability is the provider's capability bitmap, in the original wsrep
// ordering (bit 0 is MULTI-MASTER). The Store only ever inspects the
// snapshot-read-view bit; the rest are carried for completeness and for the
// provider adapter's logging.
type Capability uint64

const (
	CapMultiMaster Capability = 1 << iota
	CapCertification
	CapParallelApplying
	CapReplay
	CapTOI
	CapPause
	CapCausalReads
	CapCausalTrx
	CapIncremental
	CapSessionLocks
	CapDistributedLocks
	CapConsistencyCheck
	CapUnordered
	CapAnnotation
	CapPreordered
	CapStreaming
	CapSnapshot
	CapNBO
)

// HasSnapshot reports whether the bitmap advertises snapshot-read-view
// support — the one capability bit the Store itself cares about.
func (c Capability) HasSnapshot() bool {
	return c&CapSnapshot != 0
}

// MembershipView is the slice of a provider view that the Store needs to
// process update_membership: the new state-id, the ordered member array,
// and whether the issuing provider advertises snapshot-read-view support.
// The richer View (status, protocol version, this node's index) lives in
// the provider package, which is the one that owns the callback contract;
// this keeps Store free of any dependency on it.
type MembershipView struct {
	StateID         GTID
	Members         []Member
	ReadViewSupport bool
}

package store

import "errors"

// Sentinel errors returned by Store operations. The transaction engine
// inspects these with errors.Is; it never reaches into Store internals.
var (
	// ErrReadViewMoved is returned by BeginOrExtendOp when a record touched
	// by the operation has a version newer than the transaction's read
	// view. The caller must treat the transaction as failed and roll back.
	ErrReadViewMoved = errors.New("store: read view moved")

	// ErrReadViewFailure is returned by Commit when the Store's own
	// verification (used when the provider lacks snapshot support) finds a
	// record diverged from what the transaction read. The transaction has
	// already been rolled back by the time this is returned.
	ErrReadViewFailure = errors.New("store: read view failure")

	// ErrSnapshotHeld is returned by AcquireState when a snapshot is
	// already pinned and has not been released.
	ErrSnapshotHeld = errors.New("store: snapshot already acquired")

	// ErrNoSnapshot is returned by ReleaseState when no snapshot is held.
	ErrNoSnapshot = errors.New("store: no snapshot held")

	// ErrStaleSnapshot is returned by InitState when the parsed GTID is not
	// newer than the Store's current GTID within the same epoch.
	ErrStaleSnapshot = errors.New("store: snapshot gtid is not newer than current state")

	// ErrInvariant wraps every fatal invariant violation (GTID step != 1,
	// uuid mismatch, membership disagreement, double-acquire, verification
	// failure while the provider advertises snapshot support). Callers at
	// the process boundary treat this as fatal: log and exit.
	ErrInvariant = errors.New("store: invariant violation")
)

// InvariantError carries detail about a fatal invariant violation while
// still unwrapping to ErrInvariant via errors.Is.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "store: invariant violation: " + e.Reason }

func (e *InvariantError) Unwrap() error { return ErrInvariant }

func invariant(reason string) error {
	return &InvariantError{Reason: reason}
}

package provider

import "github.com/gowsrep/node/internal/store"

// WriteSetHandle is an opaque reference to an in-flight write-set, passed
// by the node to every provider operation for that write-set. Payload
// carries the node's own transaction context (a *store.TxnHandle) without
// ever casting it through an integer, replacing the original's
// opaque-pointer-in-a-uint64-field idiom.
type WriteSetHandle struct {
	TrxID   int64
	Payload interface{}
}

// Meta is the metadata a provider attaches to a certified or applied
// write-set: principally the GTID it was assigned, if any.
type Meta struct {
	GTID store.GTID
}

// Key is one write-set key: a record index tagged with the access mode the
// provider should certify it under.
type Key struct {
	Index int
	Type  KeyType
}

// Stats is a snapshot of provider-exposed counters, surfaced by the
// statistics printer (spec.md §7).
type Stats struct {
	BytesReplicated   uint64
	WriteSetsReplicated uint64
	BytesReceived     uint64
	WriteSetsReceived uint64
	CertFailures      uint64
	FlowControlPaused int64 // nanoseconds
}

// Provider is the contract a replication provider backend must satisfy.
// It mirrors spec.md §6's external interface one-for-one; internal/txn and
// internal/worker drive it, and internal/provider/refprovider is the
// reference implementation exercised by this module's own tests.
type Provider interface {
	// Init registers the callback set and the node's current GTID.
	// Called once, before Connect.
	Init(cb Callbacks, currentGTID store.GTID) error

	// Connect joins the named group at address. bootstrap requests this
	// node become the initial primary when no address is given.
	Connect(clusterName, address string, bootstrap bool) error

	// Disconnect leaves the group. It unblocks any worker currently
	// blocked in Recv, and the adapter additionally flips the SYNCED latch.
	Disconnect() error

	// Recv delivers received events to the Callbacks on behalf of one
	// slave worker. OK means the worker should call Recv again; any other
	// status means the provider has nothing further to deliver (typically
	// because Disconnect was called) or hit an unrecoverable error.
	Recv(workerID int) Status

	// AppendKey appends a certification key to an in-flight write-set.
	AppendKey(h *WriteSetHandle, key Key) Status

	// AppendData appends a data fragment to an in-flight write-set.
	AppendData(h *WriteSetHandle, data []byte, dtype DataType, ordered bool) Status

	// AssignReadView informs the provider of the read view a write-set was
	// executed against, when the provider advertises snapshot support.
	AssignReadView(h *WriteSetHandle, readView store.GTID) Status

	// Certify submits an in-flight write-set for total ordering and
	// certification.
	Certify(connID int64, h *WriteSetHandle, flags Flag) (Meta, Status)

	// CommitOrderEnter blocks until it is this write-set's turn to apply
	// its side effects in the provider's total order.
	CommitOrderEnter(h *WriteSetHandle, meta Meta) Status

	// CommitOrderLeave signals that this write-set's side effects have
	// been applied (or deliberately skipped), releasing the next one.
	// errBuf carries an application error to report upstream, if any.
	CommitOrderLeave(h *WriteSetHandle, meta Meta, errBuf []byte) Status

	// Release frees provider-side resources associated with h. Always
	// called exactly once per write-set, regardless of outcome.
	Release(h *WriteSetHandle) Status

	// SSTReceived reports the outcome of an SST this node joined.
	SSTReceived(gtid store.GTID, status Status) error

	// SSTSent reports the outcome of an SST this node donated.
	SSTSent(gtid store.GTID, status Status) error

	// Capabilities returns the provider's advertised capability bitmap.
	Capabilities() store.Capability

	// StatsGet returns a snapshot of provider-exposed counters.
	StatsGet() Stats

	// Free releases the provider instance. Called once at shutdown.
	Free()
}

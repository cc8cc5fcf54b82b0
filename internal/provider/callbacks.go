package provider

import "github.com/gowsrep/node/internal/store"

// Callbacks is the set of functions the node supplies to a Provider at
// Init. The provider invokes these; the node never calls them itself.
// This is the Go shape of the original's app_ctx-plus-function-table
// callback registration (spec.md §9's dynamic-library-loading note):
// whoever constructs the provider adapter owns this struct and supplies it
// at construction, so there is no global callback table to register into.
type Callbacks struct {
	// Connected records the group state-id. Delivered out of order;
	// informational only.
	Connected func(stateID store.GTID)

	// View is delivered in total order. If v.Status is store.ViewPrimary
	// the adapter calls Store.UpdateMembership before caching the view;
	// non-primary and disconnected views are cached and logged only.
	View func(v View)

	// Synced is delivered once the node's applied seqno has caught up
	// with the cluster. The adapter flips the SYNCED latch 0 -> 1.
	Synced func()

	// Apply dispatches a remote write-set to the slave transaction engine.
	// exitLoop lets the handler request this worker's Recv loop stop after
	// this callback returns.
	Apply func(ws []byte, meta Meta) (exitLoop bool, err error)

	// SSTRequest asks the node to produce a state-transfer request payload
	// (typically "host:port" for the joiner's rendezvous listener).
	SSTRequest func() (payload []byte, err error)

	// SSTDonate asks the node to stream its state to the peer named by
	// payload. bypass means no transfer is needed; msg is donor-supplied
	// diagnostic text.
	SSTDonate func(payload []byte, msg string, bypass bool) error

	// Logger forwards a provider log line to the process logger.
	Logger func(level, msg string)
}

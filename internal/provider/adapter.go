package provider

import (
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gowsrep/node/internal/store"
)

// syncedState is the tri-state SYNCED latch from spec.md §4.3.
type syncedState int

const (
	syncedPending      syncedState = 0
	syncedTrue         syncedState = 1
	syncedDisconnected syncedState = -1
)

// Applier dispatches a deserialized remote write-set to the slave
// transaction engine. internal/txn implements this; internal/provider
// only depends on the interface, so there is no import cycle.
type Applier interface {
	ApplySlave(ws []byte, meta Meta) (exitLoop bool, err error)
}

// SSTHandler produces SST request payloads and services donate requests.
// internal/sst implements this.
type SSTHandler interface {
	Request() (payload []byte, err error)
	Donate(payload []byte, msg string, bypass bool) error
}

// Adapter owns the provider instance and the node's view of the cluster:
// the cached View (its own mutex) and the SYNCED latch (its own
// mutex+condvar). It builds the Callbacks struct a Provider is Init'd
// with, and exposes the higher-level operations in spec.md §4.3.
type Adapter struct {
	p      Provider
	store  *store.Store
	logger hclog.Logger

	applier Applier
	sst     SSTHandler

	viewMu sync.Mutex
	view   View

	syncedMu sync.Mutex
	syncedCv *sync.Cond
	synced   syncedState

	connectedMu sync.Mutex
	connectedID store.GTID
}

// NewAdapter constructs an Adapter over a Provider backend and the Store it
// drives. The Applier and SSTHandler are injected by the caller (cmd/node)
// once the transaction engine and SST subsystem exist, breaking what would
// otherwise be an import cycle.
func NewAdapter(p Provider, st *store.Store, applier Applier, sst SSTHandler, logger hclog.Logger) *Adapter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &Adapter{p: p, store: st, applier: applier, sst: sst, logger: logger}
	a.syncedCv = sync.NewCond(&a.syncedMu)
	return a
}

// Init registers this adapter's callback dispatch with the provider.
func (a *Adapter) Init() error {
	return a.p.Init(Callbacks{
		Connected:  a.onConnected,
		View:       a.onView,
		Synced:     a.onSynced,
		Apply:      a.onApply,
		SSTRequest: a.onSSTRequest,
		SSTDonate:  a.onSSTDonate,
		Logger:     a.onLog,
	}, a.store.CurrentGTID())
}

// Connect joins the cluster.
func (a *Adapter) Connect(clusterName, address string, bootstrap bool) error {
	return a.p.Connect(clusterName, address, bootstrap)
}

// Disconnect leaves the cluster. Flips the SYNCED latch to disconnected
// first, which is what releases master workers blocked in WaitSynced; the
// provider's own Disconnect is what releases slave workers blocked in Recv.
func (a *Adapter) Disconnect() error {
	a.syncedMu.Lock()
	a.synced = syncedDisconnected
	a.syncedCv.Broadcast()
	a.syncedMu.Unlock()
	return a.p.Disconnect()
}

// WaitSynced blocks until the SYNCED latch leaves the pending state, and
// reports whether the node ended up synced (as opposed to disconnected).
func (a *Adapter) WaitSynced() bool {
	a.syncedMu.Lock()
	defer a.syncedMu.Unlock()
	for a.synced == syncedPending {
		a.syncedCv.Wait()
	}
	return a.synced > 0
}

// CurrentView returns a copy of the cached view.
func (a *Adapter) CurrentView() View {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	return a.view
}

// Handle returns the underlying Provider, for components (worker pool,
// transaction engine) that need to call operations directly.
func (a *Adapter) Handle() Provider {
	return a.p
}

// Close releases the provider instance.
func (a *Adapter) Close() {
	a.p.Free()
}

func (a *Adapter) onConnected(stateID store.GTID) {
	a.connectedMu.Lock()
	a.connectedID = stateID
	a.connectedMu.Unlock()
	a.logger.Debug("connected callback", "state_id", stateID)
}

func (a *Adapter) onView(v View) {
	if v.Status == store.ViewPrimary {
		if err := a.store.UpdateMembership(v.MembershipView()); err != nil {
			a.logger.Error("fatal: membership update rejected", "error", err)
			exitProcess(1)
		}
	}

	a.viewMu.Lock()
	a.view = v
	a.viewMu.Unlock()

	a.logger.Info("view", "status", v.Status, "members", len(v.Members), "my_index", v.MyIndex, "state_id", v.StateID)
}

func (a *Adapter) onSynced() {
	a.syncedMu.Lock()
	if a.synced == syncedPending {
		a.synced = syncedTrue
		a.syncedCv.Broadcast()
	}
	a.syncedMu.Unlock()
}

func (a *Adapter) onApply(ws []byte, meta Meta) (bool, error) {
	if a.applier == nil {
		return false, fmt.Errorf("provider: apply callback invoked before an applier was attached")
	}
	return a.applier.ApplySlave(ws, meta)
}

func (a *Adapter) onSSTRequest() ([]byte, error) {
	if a.sst == nil {
		return nil, fmt.Errorf("provider: sst_request invoked before an SST handler was attached")
	}
	return a.sst.Request()
}

func (a *Adapter) onSSTDonate(payload []byte, msg string, bypass bool) error {
	if a.sst == nil {
		return fmt.Errorf("provider: sst_donate invoked before an SST handler was attached")
	}
	return a.sst.Donate(payload, msg, bypass)
}

func (a *Adapter) onLog(level, msg string) {
	switch level {
	case "error", "fatal":
		a.logger.Error(msg)
	case "warn", "warning":
		a.logger.Warn(msg)
	case "debug":
		a.logger.Debug(msg)
	default:
		a.logger.Info(msg)
	}
}

// exitProcess is the process-terminating path for invariant violations
// detected inside a provider callback, mirroring the original's
// NODE_FATAL(...); abort(). A var so tests can swap it out instead of
// killing the test binary.
var exitProcess = os.Exit

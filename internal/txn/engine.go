// Package txn drives the master and slave write-set lifecycles from
// spec.md §4.2 against a Store and a Provider, translating provider result
// codes into the four error kinds from spec.md §7.
package txn

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

// Outcome is what a master transaction attempt tells the worker pool to do
// next, per spec.md §4.5's master routine.
type Outcome int

const (
	// Continue means the worker should immediately attempt another
	// transaction.
	Continue Outcome = iota
	// RetrySoft means the worker should sleep briefly (~10ms) and retry.
	RetrySoft
	// Reconnect means the worker should break to its outer loop and wait
	// for SYNCED again.
	Reconnect
	// FatalFailure means the worker should exit; the error returned with
	// it explains why.
	FatalFailure
)

// Engine orchestrates write-set lifecycles for one connection id against a
// Store and a Provider.
type Engine struct {
	store  *store.Store
	prov   provider.Provider
	connID int64
	logger hclog.Logger
}

// New constructs an Engine. connID identifies this engine's logical
// provider connection, passed to Certify.
func New(st *store.Store, p provider.Provider, connID int64, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{store: st, prov: p, connID: connID, logger: logger}
}

// ExecuteMaster runs one full master-path write-set lifecycle of numOps
// operations: execute, append keys/data, certify, commit-order, commit or
// update-gtid, release.
func (e *Engine) ExecuteMaster(numOps int) (Outcome, error) {
	h := store.NewTxnHandle()

	for i := 0; i < numOps; i++ {
		if _, err := e.store.BeginOrExtendOp(h); err != nil {
			if errors.Is(err, store.ErrReadViewMoved) {
				e.store.Rollback(h)
				return RetrySoft, nil
			}
			return FatalFailure, fmt.Errorf("txn: begin_or_extend_op: %w", err)
		}
	}

	wsHandle := &provider.WriteSetHandle{Payload: h}
	readView := h.ReadView()

	// store.Apply always decodes a leading GTID off the wire (spec.md §3),
	// so every write-set carries it regardless of this node's transient
	// capability view. assign_read_view is the only part actually gated on
	// the provider advertising snapshot support: it is a provider-side hint
	// with no effect on the wire format Apply has to understand.
	if e.prov.Capabilities().HasSnapshot() {
		if st := e.prov.AssignReadView(wsHandle, readView); st != provider.OK {
			e.store.Rollback(h)
			return FatalFailure, fmt.Errorf("txn: assign_read_view: %s", st)
		}
	}
	if st := e.prov.AppendData(wsHandle, store.EncodeReadView(readView), provider.DataOrdered, true); st != provider.OK {
		e.store.Rollback(h)
		return FatalFailure, fmt.Errorf("txn: append_data(read view): %s", st)
	}

	for _, op := range h.Txn().Ops {
		if st := e.prov.AppendKey(wsHandle, provider.Key{Index: op.Src, Type: provider.KeyReference}); st != provider.OK {
			e.store.Rollback(h)
			return FatalFailure, fmt.Errorf("txn: append_key(reference): %s", st)
		}
		if st := e.prov.AppendKey(wsHandle, provider.Key{Index: op.Dst, Type: provider.KeyUpdate}); st != provider.OK {
			e.store.Rollback(h)
			return FatalFailure, fmt.Errorf("txn: append_key(update): %s", st)
		}
		if st := e.prov.AppendData(wsHandle, store.EncodeOperation(op), provider.DataOrdered, true); st != provider.OK {
			e.store.Rollback(h)
			return FatalFailure, fmt.Errorf("txn: append_data(op): %s", st)
		}
	}

	meta, status := e.prov.Certify(e.connID, wsHandle, provider.FlagTrxStart|provider.FlagTrxEnd)

	outcome, err := e.handleCertifyResult(h, wsHandle, meta, status)

	if st := e.prov.Release(wsHandle); st != provider.OK && err == nil {
		e.logger.Warn("release returned non-OK status", "status", st)
	}

	return outcome, err
}

func (e *Engine) handleCertifyResult(h *store.TxnHandle, wsHandle *provider.WriteSetHandle, meta provider.Meta, status provider.Status) (Outcome, error) {
	switch status {
	case provider.OK:
		if meta.GTID.Seqno > 0 {
			if err := e.commitOrdered(h, wsHandle, meta); err != nil {
				return FatalFailure, err
			}
		}
		return Continue, nil

	case provider.BFAbort:
		// A higher-priority transaction aborted this one while it waited
		// in certification. Roll back immediately to unblock it.
		e.store.Rollback(h)
		if meta.GTID.Seqno > 0 {
			if err := e.updateGTIDOrdered(wsHandle, meta); err != nil {
				return FatalFailure, err
			}
		}
		return Continue, nil

	case provider.TrxFail:
		// Any other failure: if the write-set was ordered it still
		// consumed a seqno, regardless of which outcome the worker pool
		// takes next.
		if meta.GTID.Seqno > 0 {
			if err := e.updateGTIDOrdered(wsHandle, meta); err != nil {
				return FatalFailure, err
			}
		}
		e.store.Rollback(h)
		return RetrySoft, nil

	case provider.ConnFail:
		if meta.GTID.Seqno > 0 {
			if err := e.updateGTIDOrdered(wsHandle, meta); err != nil {
				return FatalFailure, err
			}
		}
		e.store.Rollback(h)
		return Reconnect, nil

	default:
		if meta.GTID.Seqno > 0 {
			if err := e.updateGTIDOrdered(wsHandle, meta); err != nil {
				return FatalFailure, err
			}
		}
		e.store.Rollback(h)
		return FatalFailure, fmt.Errorf("txn: certify returned %s", status)
	}
}

// commitOrdered enters commit order, commits, and leaves commit order. If
// the Store rejects the commit on its own read-view verification (possible
// only when the provider lacks snapshot support), the seqno is still
// consumed via UpdateGTID: certification already ordered this write-set
// globally, so every node must advance by the same seqno regardless of
// what this node's local verification decided. See DESIGN.md.
func (e *Engine) commitOrdered(h *store.TxnHandle, wsHandle *provider.WriteSetHandle, meta provider.Meta) error {
	if st := e.prov.CommitOrderEnter(wsHandle, meta); st != provider.OK {
		return fmt.Errorf("txn: commit_order_enter: %s", st)
	}

	err := e.store.Commit(h, meta.GTID)
	var errBuf []byte
	if err != nil {
		if errors.Is(err, store.ErrReadViewFailure) {
			if uerr := e.store.UpdateGTID(meta.GTID); uerr != nil {
				return fmt.Errorf("txn: update_gtid after read-view failure: %w", uerr)
			}
			errBuf = []byte(err.Error())
		} else {
			return fmt.Errorf("txn: commit: %w", err)
		}
	}

	if st := e.prov.CommitOrderLeave(wsHandle, meta, errBuf); st != provider.OK {
		return fmt.Errorf("txn: commit_order_leave: %s", st)
	}
	return nil
}

func (e *Engine) updateGTIDOrdered(wsHandle *provider.WriteSetHandle, meta provider.Meta) error {
	if st := e.prov.CommitOrderEnter(wsHandle, meta); st != provider.OK {
		return fmt.Errorf("txn: commit_order_enter: %s", st)
	}
	if err := e.store.UpdateGTID(meta.GTID); err != nil {
		return fmt.Errorf("txn: update_gtid: %w", err)
	}
	if st := e.prov.CommitOrderLeave(wsHandle, meta, nil); st != provider.OK {
		return fmt.Errorf("txn: commit_order_leave: %s", st)
	}
	return nil
}

// ApplySlave implements provider.Applier: it deserializes and applies a
// remote write-set (or, for ws == nil, just consumes the seqno), entering
// and leaving commit order around the Store mutation.
func (e *Engine) ApplySlave(ws []byte, meta provider.Meta) (exitLoop bool, err error) {
	var h *store.TxnHandle
	var applyErr error
	hasOps := false

	if ws != nil {
		h, applyErr = e.store.Apply(ws)
		if applyErr == nil {
			hasOps = len(h.Txn().Ops) > 0
		}
	}

	wsHandle := &provider.WriteSetHandle{Payload: h}
	if st := e.prov.CommitOrderEnter(wsHandle, meta); st != provider.OK {
		if h != nil {
			e.store.Rollback(h)
		}
		return false, fmt.Errorf("txn: commit_order_enter: %s", st)
	}

	var commitErr error
	if hasOps {
		commitErr = e.store.Commit(h, meta.GTID)
	} else {
		commitErr = e.store.UpdateGTID(meta.GTID)
	}
	if commitErr != nil {
		applyErr = commitErr
	}

	var errBuf []byte
	if applyErr != nil {
		errBuf = []byte(applyErr.Error())
	}
	if st := e.prov.CommitOrderLeave(wsHandle, meta, errBuf); st != provider.OK {
		return false, fmt.Errorf("txn: commit_order_leave: %s", st)
	}

	// A GTID invariant violation means this node's state has diverged from
	// the cluster's total order; spec.md §7 requires this to be fatal, the
	// same as a rejected PRIMARY view in provider/adapter.go's onView.
	if errors.Is(commitErr, store.ErrInvariant) {
		return true, applyErr
	}
	return false, applyErr
}

package sst

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	prom "github.com/prometheus/common/log"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

// dialTimeout bounds the donor's connect attempt to the joiner's
// rendezvous address.
const dialTimeout = 5 * time.Second

// Handler implements provider.SSTHandler: it produces join requests and
// services donate requests, synchronously handing ownership of the
// listening socket (joiner) or the acquired snapshot (donor) to a detached
// worker goroutine before returning to the provider, via a one-shot
// channel — the redesign spec.md §9 asks for in place of the original's
// detached-thread-plus-mutex/condvar rendezvous.
type Handler struct {
	store *store.Store
	prov  provider.Provider
	purg  *purgatory

	baseHost string
	basePort int

	logger hclog.Logger
}

// New constructs a Handler. The joiner listens on (baseHost, basePort+2);
// prov is used to signal sst_received/sst_sent once a transfer completes.
func New(st *store.Store, prov provider.Provider, baseHost string, basePort int, logger hclog.Logger) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{
		store:    st,
		prov:     prov,
		purg:     newPurgatory(),
		baseHost: baseHost,
		basePort: basePort,
		logger:   logger.Named("sst"),
	}
}

// Request implements the joiner side: produce a state-transfer request
// payload ("host:port" for this node's rendezvous listener) and hand the
// listener off to a detached worker before returning.
func (h *Handler) Request() ([]byte, error) {
	addr := fmt.Sprintf("%s:%d", h.baseHost, h.basePort+2)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sst: listen on %s: %w", addr, err)
	}
	prom.Debugf("sst: joiner listening on %s", ln.Addr())

	ready := make(chan struct{})
	go func() {
		close(ready)
		h.joinerWorker(ln)
	}()
	<-ready

	return []byte(ln.Addr().String()), nil
}

// Donate implements the donor side: connect to the joiner's rendezvous
// address and stream the snapshot, or send a bypass (length 0) frame. The
// snapshot is acquired under the Store lock here, before the worker is
// spawned, so AcquireState's "at most one outstanding" contract is
// enforced at the call site that can actually fail synchronously.
func (h *Handler) Donate(payload []byte, msg string, bypass bool) error {
	addr := string(payload)
	if !h.purg.claim(addr) {
		return fmt.Errorf("sst: donor request for %s already in flight", addr)
	}

	var snapshot []byte
	if !bypass {
		buf, err := h.store.AcquireState()
		if err != nil {
			h.purg.release(addr)
			return fmt.Errorf("sst: acquire_state: %w", err)
		}
		snapshot = buf
	}
	gtid := h.store.CurrentGTID()

	prom.Debugf("sst: donor dialing %s bypass=%v msg=%q", addr, bypass, msg)

	ready := make(chan struct{})
	go func() {
		close(ready)
		h.donorWorker(addr, snapshot, bypass, gtid)
	}()
	<-ready
	return nil
}

func (h *Handler) joinerWorker(ln net.Listener) {
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		prom.Errorf("sst: joiner accept failed: %v", err)
		h.reportReceived(provider.ConnFail, err)
		return
	}
	defer conn.Close()

	payload, err := readFrame(conn)
	if err != nil {
		prom.Errorf("sst: joiner frame read failed: %v", err)
		h.reportReceived(provider.NodeFail, err)
		return
	}

	if payload == nil {
		h.logger.Info("bypass sst, reusing existing state")
		h.reportReceived(provider.OK, nil)
		return
	}

	if err := h.store.InitState(payload); err != nil {
		prom.Errorf("sst: joiner init_state failed: %v", err)
		h.reportReceived(provider.NodeFail, err)
		return
	}
	h.logger.Info("sst installed", "gtid", h.store.CurrentGTID())
	h.reportReceived(provider.OK, nil)
}

func (h *Handler) reportReceived(status provider.Status, cause error) {
	if cause != nil {
		h.logger.Error("sst_received", "status", status, "error", cause)
	}
	if err := h.prov.SSTReceived(h.store.CurrentGTID(), status); err != nil {
		h.logger.Error("sst_received callback failed", "error", err)
	}
}

func (h *Handler) donorWorker(addr string, snapshot []byte, bypass bool, gtid store.GTID) {
	defer h.purg.release(addr)
	if !bypass {
		defer h.store.ReleaseState()
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		prom.Errorf("sst: donor dial %s failed: %v", addr, err)
		h.reportSent(gtid, provider.ConnFail, err)
		return
	}
	defer conn.Close()

	if err := writeFrame(conn, snapshot); err != nil {
		prom.Errorf("sst: donor frame write failed: %v", err)
		h.reportSent(gtid, provider.NodeFail, err)
		return
	}
	h.logger.Info("sst donated", "addr", addr, "bypass", bypass, "bytes", len(snapshot))
	h.reportSent(gtid, provider.OK, nil)
}

func (h *Handler) reportSent(gtid store.GTID, status provider.Status, cause error) {
	if cause != nil {
		h.logger.Error("sst_sent", "status", status, "error", cause)
	}
	if err := h.prov.SSTSent(gtid, status); err != nil {
		h.logger.Error("sst_sent callback failed", "error", err)
	}
}

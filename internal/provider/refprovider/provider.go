package refprovider

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

// eventKind tags what Recv should do with a queued event.
type eventKind int

const (
	evView eventKind = iota
	evSynced
	evApply
)

type event struct {
	kind eventKind
	view provider.View
	ws   []byte
	meta provider.Meta
}

// wsState is the accumulated per-write-set state AppendKey/AppendData/
// AssignReadView build up, keyed by the *provider.WriteSetHandle identity
// the engine passes to every call for one write-set's lifetime.
type wsState struct {
	keys []int
	buf  []byte
}

// statCounters backs StatsGet; every field is touched only through
// sync/atomic.
type statCounters struct {
	bytesReplicated     uint64
	writesetsReplicated uint64
	bytesReceived       uint64
	writesetsReceived   uint64
	certFailures        uint64
}

// Provider is a reference implementation of provider.Provider: a small
// statically-configured cluster of nodes, one of which (the
// lexicographically smallest address) acts as certifying coordinator for
// the rest, connected over plain TCP framed with msgpack. It exists to
// exercise the module's domain dependency stack end to end, not as a
// production total-order broadcast implementation.
type Provider struct {
	selfAddr string
	connID   int64
	logger   hclog.Logger

	cb       provider.Callbacks
	initGTID store.GTID

	members         []string
	memberUUIDs     []store.UUID
	myIndex         int
	clusterUUID     store.UUID
	coordinatorAddr string
	isCoordinator   bool

	seq *sequencer // coordinator only

	subMu       sync.Mutex
	subscribers map[int64]*subscriber // coordinator only

	subConnMu sync.Mutex
	subConn   net.Conn // non-coordinator only

	commitQ *commitQueue

	events chan event

	stopOnce sync.Once
	stopCh   chan struct{}

	ln net.Listener

	wsMu    sync.Mutex
	wsState map[*provider.WriteSetHandle]*wsState

	stats statCounters
}

// New constructs a Provider that will listen on (or connect to) selfAddr
// once Connect is called. connID identifies this node in certify requests
// and apply broadcasts, matching the connID the transaction engine passes
// to Certify.
func New(selfAddr string, connID int64, logger hclog.Logger) *Provider {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Provider{
		selfAddr:    selfAddr,
		connID:      connID,
		logger:      logger.Named("refprovider"),
		subscribers: make(map[int64]*subscriber),
		commitQ:     newCommitQueue(),
		events:      make(chan event, 64),
		stopCh:      make(chan struct{}),
		wsState:     make(map[*provider.WriteSetHandle]*wsState),
	}
}

func (p *Provider) Init(cb provider.Callbacks, currentGTID store.GTID) error {
	p.cb = cb
	p.initGTID = currentGTID
	return nil
}

// Connect computes the static member list (address plus the
// comma-separated peers in address, deduplicated with selfAddr), elects
// the coordinator, and either starts listening (coordinator) or dials the
// coordinator's apply stream (everyone else). bootstrap is accepted for
// interface conformance; this reference provider always derives the same
// deterministic view from clusterName and the member list, so there is no
// separate bootstrap-vs-join code path.
func (p *Provider) Connect(clusterName, address string, bootstrap bool) error {
	members := parseMembers(address, p.selfAddr)
	sort.Strings(members)

	p.members = members
	p.memberUUIDs = make([]store.UUID, len(members))
	myIndex := -1
	for i, m := range members {
		p.memberUUIDs[i] = derive16(m)
		if m == p.selfAddr {
			myIndex = i
		}
	}
	if myIndex < 0 {
		return fmt.Errorf("refprovider: self address %s missing from member list", p.selfAddr)
	}
	p.myIndex = myIndex
	p.clusterUUID = derive16(clusterName)
	p.coordinatorAddr = members[0]
	p.isCoordinator = p.coordinatorAddr == p.selfAddr

	stateID := store.GTID{UUID: p.clusterUUID, Seqno: 0}

	if p.isCoordinator {
		// Every node's store installs stateID as its current GTID via
		// UpdateMembership (spec.md §4.3's PRIMARY view handler), so the
		// next real write-set certified against this view must be
		// stateID.Seqno+1 to satisfy store.checkOrdered.
		p.seq = newSequencer(stateID.Seqno + 1)
		ln, err := net.Listen("tcp", p.selfAddr)
		if err != nil {
			return fmt.Errorf("refprovider: listen on %s: %w", p.selfAddr, err)
		}
		p.ln = ln
		go p.acceptLoop(ln)
	} else {
		go p.dialSubscribe()
	}

	if p.cb.Connected != nil {
		go p.cb.Connected(stateID)
	}

	p.enqueueEvent(event{kind: evView, view: provider.View{
		StateID:      stateID,
		Status:       store.ViewPrimary,
		Capabilities: p.Capabilities(),
		ProtoVer:     1,
		Members:      p.memberUUIDs,
		MyIndex:      p.myIndex,
	}})
	p.enqueueEvent(event{kind: evSynced})
	return nil
}

func parseMembers(address, self string) []string {
	set := map[string]struct{}{self: {}}
	for _, a := range strings.Split(address, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			set[a] = struct{}{}
		}
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members
}

func (p *Provider) Disconnect() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.ln != nil {
		p.ln.Close()
	}
	p.subConnMu.Lock()
	if p.subConn != nil {
		p.subConn.Close()
	}
	p.subConnMu.Unlock()
	return nil
}

func (p *Provider) enqueueEvent(ev event) {
	select {
	case p.events <- ev:
	case <-p.stopCh:
	}
}

func (p *Provider) enqueueApply(gtid store.GTID, ws []byte, originConnID int64) {
	atomic.AddUint64(&p.stats.bytesReceived, uint64(len(ws)))
	atomic.AddUint64(&p.stats.writesetsReceived, 1)
	p.enqueueEvent(event{kind: evApply, ws: ws, meta: provider.Meta{GTID: gtid}})
}

// Recv drains one queued event (a view, a synced signal, or an applied
// write-set) and dispatches it to the registered Callbacks, returning
// provider.OK so the calling slave worker loops back for the next one.
// It returns a non-OK status once the provider is disconnected.
func (p *Provider) Recv(workerID int) provider.Status {
	select {
	case ev := <-p.events:
		switch ev.kind {
		case evView:
			if p.cb.View != nil {
				p.cb.View(ev.view)
			}
		case evSynced:
			if p.cb.Synced != nil {
				p.cb.Synced()
			}
		case evApply:
			if p.cb.Apply == nil {
				return provider.Fatal
			}
			exitLoop, err := p.cb.Apply(ev.ws, ev.meta)
			if err != nil {
				p.logger.Error("apply callback returned error", "worker", workerID, "error", err)
			}
			if exitLoop {
				return provider.ConnFail
			}
		}
		return provider.OK
	case <-p.stopCh:
		return provider.ConnFail
	}
}

func (p *Provider) wsStateFor(h *provider.WriteSetHandle) *wsState {
	st := p.wsState[h]
	if st == nil {
		st = &wsState{}
		p.wsState[h] = st
	}
	return st
}

func (p *Provider) AppendKey(h *provider.WriteSetHandle, key provider.Key) provider.Status {
	p.wsMu.Lock()
	defer p.wsMu.Unlock()
	st := p.wsStateFor(h)
	st.keys = append(st.keys, key.Index)
	return provider.OK
}

func (p *Provider) AppendData(h *provider.WriteSetHandle, data []byte, dtype provider.DataType, ordered bool) provider.Status {
	p.wsMu.Lock()
	defer p.wsMu.Unlock()
	st := p.wsStateFor(h)
	st.buf = append(st.buf, data...)
	return provider.OK
}

// AssignReadView is a no-op informational hint in this reference provider:
// the certifying coordinator recovers the read view directly from the
// write-set bytes via store.DecodeReadView, since those bytes are always
// present regardless of whether this call was made (see internal/txn's
// engine, which appends the read-view prefix unconditionally).
func (p *Provider) AssignReadView(h *provider.WriteSetHandle, readView store.GTID) provider.Status {
	return provider.OK
}

func (p *Provider) Certify(connID int64, h *provider.WriteSetHandle, flags provider.Flag) (provider.Meta, provider.Status) {
	p.wsMu.Lock()
	st := p.wsStateFor(h)
	keys := append([]int(nil), st.keys...)
	ws := append([]byte(nil), st.buf...)
	p.wsMu.Unlock()

	atomic.AddUint64(&p.stats.bytesReplicated, uint64(len(ws)))
	atomic.AddUint64(&p.stats.writesetsReplicated, 1)

	if p.isCoordinator {
		readView, err := store.DecodeReadView(ws)
		if err != nil {
			p.logger.Error("certify: unparseable write-set", "error", err)
			return provider.Meta{}, provider.NodeFail
		}
		seqno, ok := p.seq.certify(keys, readView.Seqno)
		if !ok {
			atomic.AddUint64(&p.stats.certFailures, 1)
			return provider.Meta{}, provider.TrxFail
		}
		gtid := store.GTID{UUID: p.clusterUUID, Seqno: seqno}
		p.broadcastApply(gtid, ws, connID)
		return provider.Meta{GTID: gtid}, provider.OK
	}

	resp, err := p.certifyRemote(certifyRequestMsg{ConnID: connID, Keys: keys, WriteSet: ws})
	if err != nil {
		p.logger.Error("certify RPC to coordinator failed", "error", err)
		return provider.Meta{}, provider.ConnFail
	}
	status := provider.Status(resp.Status)
	if status == provider.TrxFail {
		atomic.AddUint64(&p.stats.certFailures, 1)
	}
	return provider.Meta{GTID: store.GTID{UUID: resp.UUID, Seqno: resp.Seqno}}, status
}

// CommitOrderEnter blocks until meta's seqno is this node's next one to
// commit. The queue's own duplicate-detection (a seqno that already left
// once) is treated the same as a fresh entry here: this reference provider
// does not plumb an at-most-once "skip, already applied" status back to
// the engine, since provider.Status has no such code and hardening
// against it is outside this implementation's scope.
func (p *Provider) CommitOrderEnter(h *provider.WriteSetHandle, meta provider.Meta) provider.Status {
	p.commitQ.enter(meta.GTID.Seqno)
	return provider.OK
}

func (p *Provider) CommitOrderLeave(h *provider.WriteSetHandle, meta provider.Meta, errBuf []byte) provider.Status {
	p.commitQ.leave(meta.GTID.Seqno)
	if errBuf != nil {
		p.logger.Warn("commit order left with application error", "gtid", meta.GTID, "error", string(errBuf))
	}
	return provider.OK
}

func (p *Provider) Release(h *provider.WriteSetHandle) provider.Status {
	p.wsMu.Lock()
	delete(p.wsState, h)
	p.wsMu.Unlock()
	return provider.OK
}

func (p *Provider) SSTReceived(gtid store.GTID, status provider.Status) error {
	p.logger.Info("sst_received", "gtid", gtid, "status", status)
	return nil
}

func (p *Provider) SSTSent(gtid store.GTID, status provider.Status) error {
	p.logger.Info("sst_sent", "gtid", gtid, "status", status)
	return nil
}

func (p *Provider) Capabilities() store.Capability {
	return store.CapMultiMaster | store.CapCertification | store.CapSnapshot
}

func (p *Provider) StatsGet() provider.Stats {
	return provider.Stats{
		BytesReplicated:     atomic.LoadUint64(&p.stats.bytesReplicated),
		WriteSetsReplicated: atomic.LoadUint64(&p.stats.writesetsReplicated),
		BytesReceived:       atomic.LoadUint64(&p.stats.bytesReceived),
		WriteSetsReceived:   atomic.LoadUint64(&p.stats.writesetsReceived),
		CertFailures:        atomic.LoadUint64(&p.stats.certFailures),
	}
}

func (p *Provider) Free() {
	_ = p.Disconnect()
}

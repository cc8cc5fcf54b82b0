package txn

import (
	"errors"
	"testing"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

// scriptedProvider is a minimal provider.Provider whose Certify response is
// fixed per test, so engine tests can force specific outcomes without a
// real certification/ordering backend.
type scriptedProvider struct {
	certifyMeta   provider.Meta
	certifyStatus provider.Status
	caps          store.Capability

	enters, leaves int
	releases       int
}

func (p *scriptedProvider) Init(provider.Callbacks, store.GTID) error { return nil }
func (p *scriptedProvider) Connect(string, string, bool) error        { return nil }
func (p *scriptedProvider) Disconnect() error                         { return nil }
func (p *scriptedProvider) Recv(int) provider.Status                  { return provider.OK }
func (p *scriptedProvider) AppendKey(*provider.WriteSetHandle, provider.Key) provider.Status {
	return provider.OK
}
func (p *scriptedProvider) AppendData(*provider.WriteSetHandle, []byte, provider.DataType, bool) provider.Status {
	return provider.OK
}
func (p *scriptedProvider) AssignReadView(*provider.WriteSetHandle, store.GTID) provider.Status {
	return provider.OK
}
func (p *scriptedProvider) Certify(int64, *provider.WriteSetHandle, provider.Flag) (provider.Meta, provider.Status) {
	return p.certifyMeta, p.certifyStatus
}
func (p *scriptedProvider) CommitOrderEnter(*provider.WriteSetHandle, provider.Meta) provider.Status {
	p.enters++
	return provider.OK
}
func (p *scriptedProvider) CommitOrderLeave(*provider.WriteSetHandle, provider.Meta, []byte) provider.Status {
	p.leaves++
	return provider.OK
}
func (p *scriptedProvider) Release(*provider.WriteSetHandle) provider.Status {
	p.releases++
	return provider.OK
}
func (p *scriptedProvider) SSTReceived(store.GTID, provider.Status) error { return nil }
func (p *scriptedProvider) SSTSent(store.GTID, provider.Status) error     { return nil }
func (p *scriptedProvider) Capabilities() store.Capability                { return p.caps }
func (p *scriptedProvider) StatsGet() provider.Stats                      { return provider.Stats{} }
func (p *scriptedProvider) Free()                                        {}

func openStoreAt(t *testing.T, seqno int64) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Records: 4, WriteSetSize: 64, Operations: 1, MinOpSize: 16})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.UpdateMembership(store.MembershipView{StateID: store.GTID{Seqno: seqno}, Members: []store.Member{{1}}}); err != nil {
		t.Fatalf("UpdateMembership: %v", err)
	}
	return st
}

// Scenario 2: local transaction commit.
func TestExecuteMasterCommitsOnOK(t *testing.T) {
	st := openStoreAt(t, 6)
	p := &scriptedProvider{certifyMeta: provider.Meta{GTID: store.GTID{Seqno: 7}}, certifyStatus: provider.OK}
	e := New(st, p, 1, nil)

	outcome, err := e.ExecuteMaster(1)
	if err != nil {
		t.Fatalf("ExecuteMaster: %v", err)
	}
	if outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", outcome)
	}
	if got := st.CurrentGTID().Seqno; got != 7 {
		t.Fatalf("seqno = %d, want 7", got)
	}
	if p.enters != 1 || p.leaves != 1 || p.releases != 1 {
		t.Fatalf("enters=%d leaves=%d releases=%d, want 1 each", p.enters, p.leaves, p.releases)
	}
}

// Scenario 3: certification failure still consumes a seqno.
func TestExecuteMasterTrxFailConsumesSeqno(t *testing.T) {
	st := openStoreAt(t, 7)
	p := &scriptedProvider{certifyMeta: provider.Meta{GTID: store.GTID{Seqno: 8}}, certifyStatus: provider.TrxFail}
	e := New(st, p, 1, nil)

	outcome, err := e.ExecuteMaster(1)
	if err != nil {
		t.Fatalf("ExecuteMaster: %v", err)
	}
	if outcome != RetrySoft {
		t.Fatalf("outcome = %v, want RetrySoft", outcome)
	}
	if got := st.CurrentGTID().Seqno; got != 8 {
		t.Fatalf("seqno = %d, want 8", got)
	}
	if got := st.ReadViewFailures(); got != 0 {
		t.Fatalf("read view failures = %d, want 0", got)
	}
}

// GTID consumption on BF-abort.
func TestExecuteMasterBFAbortConsumesSeqnoWithoutWriting(t *testing.T) {
	st := openStoreAt(t, 0)
	p := &scriptedProvider{certifyMeta: provider.Meta{GTID: store.GTID{Seqno: 1}}, certifyStatus: provider.BFAbort}
	e := New(st, p, 1, nil)

	before := st.Records()

	outcome, err := e.ExecuteMaster(1)
	if err != nil {
		t.Fatalf("ExecuteMaster: %v", err)
	}
	if outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", outcome)
	}
	if got := st.CurrentGTID().Seqno; got != 1 {
		t.Fatalf("seqno = %d, want 1", got)
	}
	after := st.Records()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("record %d changed on BF_ABORT: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestExecuteMasterConnFailBreaksToReconnect(t *testing.T) {
	st := openStoreAt(t, 0)
	p := &scriptedProvider{certifyStatus: provider.ConnFail}
	e := New(st, p, 1, nil)

	outcome, err := e.ExecuteMaster(1)
	if err != nil {
		t.Fatalf("ExecuteMaster: %v", err)
	}
	if outcome != Reconnect {
		t.Fatalf("outcome = %v, want Reconnect", outcome)
	}
}

func TestApplySlaveCommitsOrderedWriteSet(t *testing.T) {
	st := openStoreAt(t, 10)
	p := &scriptedProvider{}
	e := New(st, p, 1, nil)

	// NominalSize matches the store's op size: WriteSetSize 64 / 1 op.
	ws := append(store.EncodeReadView(store.GTID{Seqno: 9}), store.EncodeOperation(store.Operation{Dst: 2, NewValue: 42, NominalSize: 64})...)

	exitLoop, err := e.ApplySlave(ws, provider.Meta{GTID: store.GTID{Seqno: 11}})
	if err != nil {
		t.Fatalf("ApplySlave: %v", err)
	}
	if exitLoop {
		t.Fatalf("exitLoop = true, want false")
	}
	if got := st.CurrentGTID().Seqno; got != 11 {
		t.Fatalf("seqno = %d, want 11", got)
	}
}

// A GTID gap (here: jumping from seqno 10 straight to 12) is a fatal
// invariant violation, not an ordinary apply error: ApplySlave must signal
// exitLoop so the slave worker pool stops rather than spinning on a node
// whose state has diverged from the cluster's total order.
func TestApplySlaveInvariantViolationExitsLoop(t *testing.T) {
	st := openStoreAt(t, 10)
	p := &scriptedProvider{}
	e := New(st, p, 1, nil)

	ws := append(store.EncodeReadView(store.GTID{Seqno: 9}), store.EncodeOperation(store.Operation{Dst: 2, NewValue: 42, NominalSize: 16})...)

	exitLoop, err := e.ApplySlave(ws, provider.Meta{GTID: store.GTID{Seqno: 12}})
	if err == nil {
		t.Fatal("ApplySlave: want an error for a non-consecutive GTID, got nil")
	}
	if !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("ApplySlave error = %v, want store.ErrInvariant", err)
	}
	if !exitLoop {
		t.Fatal("exitLoop = false, want true on an invariant violation")
	}
}

func TestApplySlaveNilWriteSetOnlyConsumesSeqno(t *testing.T) {
	st := openStoreAt(t, 10)
	p := &scriptedProvider{}
	e := New(st, p, 1, nil)

	_, err := e.ApplySlave(nil, provider.Meta{GTID: store.GTID{Seqno: 11}})
	if err != nil {
		t.Fatalf("ApplySlave: %v", err)
	}
	if got := st.CurrentGTID().Seqno; got != 11 {
		t.Fatalf("seqno = %d, want 11", got)
	}
}

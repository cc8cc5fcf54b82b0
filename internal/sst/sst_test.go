package sst

import (
	"bytes"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("a snapshot's worth of bytes")
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFrameBypassIsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got != nil {
		t.Fatalf("got %q, want nil (bypass)", got)
	}
}

func TestPurgatoryClaimRejectsDuplicate(t *testing.T) {
	p := newPurgatory()
	if !p.claim("127.0.0.1:9999") {
		t.Fatal("first claim should succeed")
	}
	if p.claim("127.0.0.1:9999") {
		t.Fatal("second claim for the same token should fail")
	}
	p.release("127.0.0.1:9999")
	if !p.claim("127.0.0.1:9999") {
		t.Fatal("claim should succeed again after release")
	}
}

// fakeProvider records SSTReceived/SSTSent calls for the Handler tests.
type fakeProvider struct {
	receivedCh chan provider.Status
	sentCh     chan provider.Status
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		receivedCh: make(chan provider.Status, 1),
		sentCh:     make(chan provider.Status, 1),
	}
}

func (f *fakeProvider) Init(provider.Callbacks, store.GTID) error           { return nil }
func (f *fakeProvider) Connect(string, string, bool) error                 { return nil }
func (f *fakeProvider) Disconnect() error                                  { return nil }
func (f *fakeProvider) Recv(int) provider.Status                           { return provider.OK }
func (f *fakeProvider) AppendKey(*provider.WriteSetHandle, provider.Key) provider.Status {
	return provider.OK
}
func (f *fakeProvider) AppendData(*provider.WriteSetHandle, []byte, provider.DataType, bool) provider.Status {
	return provider.OK
}
func (f *fakeProvider) AssignReadView(*provider.WriteSetHandle, store.GTID) provider.Status {
	return provider.OK
}
func (f *fakeProvider) Certify(int64, *provider.WriteSetHandle, provider.Flag) (provider.Meta, provider.Status) {
	return provider.Meta{}, provider.OK
}
func (f *fakeProvider) CommitOrderEnter(*provider.WriteSetHandle, provider.Meta) provider.Status {
	return provider.OK
}
func (f *fakeProvider) CommitOrderLeave(*provider.WriteSetHandle, provider.Meta, []byte) provider.Status {
	return provider.OK
}
func (f *fakeProvider) Release(*provider.WriteSetHandle) provider.Status { return provider.OK }
func (f *fakeProvider) SSTReceived(gtid store.GTID, status provider.Status) error {
	f.receivedCh <- status
	return nil
}
func (f *fakeProvider) SSTSent(gtid store.GTID, status provider.Status) error {
	f.sentCh <- status
	return nil
}
func (f *fakeProvider) Capabilities() store.Capability { return store.CapSnapshot }
func (f *fakeProvider) StatsGet() provider.Stats        { return provider.Stats{} }
func (f *fakeProvider) Free()                           {}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Records: 4, WriteSetSize: 64, Operations: 1, MinOpSize: 8})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestDonorJoinerBypassTransfer(t *testing.T) {
	joinerStore := openTestStore(t)
	donorStore := openTestStore(t)

	joinerProv := newFakeProvider()
	donorProv := newFakeProvider()

	basePort := freePort(t)
	joiner := New(joinerStore, joinerProv, "127.0.0.1", basePort, nil)
	donor := New(donorStore, donorProv, "127.0.0.1", freePort(t), nil)

	reqPayload, err := joiner.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := donor.Donate(reqPayload, "bypass test", true); err != nil {
		t.Fatalf("Donate: %v", err)
	}

	select {
	case st := <-joinerProv.receivedCh:
		if st != provider.OK {
			t.Fatalf("joiner SSTReceived status = %v, want OK", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSTReceived")
	}

	select {
	case st := <-donorProv.sentCh:
		if st != provider.OK {
			t.Fatalf("donor SSTSent status = %v, want OK", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSTSent")
	}
}

func TestDonorJoinerFullStateTransfer(t *testing.T) {
	joinerStore := openTestStore(t)
	donorStore := openTestStore(t)

	for i := 0; i < 3; i++ {
		h := store.NewTxnHandle()
		if _, err := donorStore.BeginOrExtendOp(h); err != nil {
			t.Fatalf("BeginOrExtendOp: %v", err)
		}
		if err := donorStore.Commit(h, donorStore.CurrentGTID().Next()); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	joinerProv := newFakeProvider()
	donorProv := newFakeProvider()

	basePort := freePort(t)
	joiner := New(joinerStore, joinerProv, "127.0.0.1", basePort, nil)
	donor := New(donorStore, donorProv, "127.0.0.1", freePort(t), nil)

	reqPayload, err := joiner.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := donor.Donate(reqPayload, "full transfer", false); err != nil {
		t.Fatalf("Donate: %v", err)
	}

	select {
	case st := <-joinerProv.receivedCh:
		if st != provider.OK {
			t.Fatalf("joiner SSTReceived status = %v, want OK", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSTReceived")
	}
	<-donorProv.sentCh

	if joinerStore.CurrentGTID() != donorStore.CurrentGTID() {
		t.Fatalf("joiner GTID %v != donor GTID %v after transfer", joinerStore.CurrentGTID(), donorStore.CurrentGTID())
	}
}

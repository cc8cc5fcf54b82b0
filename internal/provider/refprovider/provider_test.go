package refprovider

import (
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

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// recordingCallbacks captures every delivered view/synced/apply event for
// assertions, without pulling in the adapter or engine packages.
type recordingCallbacks struct {
	views   chan provider.View
	synced  chan struct{}
	applies chan struct {
		ws   []byte
		meta provider.Meta
	}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		views:  make(chan provider.View, 8),
		synced: make(chan struct{}, 8),
		applies: make(chan struct {
			ws   []byte
			meta provider.Meta
		}, 8),
	}
}

func (r *recordingCallbacks) cb() provider.Callbacks {
	return provider.Callbacks{
		Connected: func(store.GTID) {},
		View:      func(v provider.View) { r.views <- v },
		Synced:    func() { r.synced <- struct{}{} },
		Apply: func(ws []byte, meta provider.Meta) (bool, error) {
			r.applies <- struct {
				ws   []byte
				meta provider.Meta
			}{ws, meta}
			return false, nil
		},
	}
}

// pumpRecv drains Recv into the callbacks until stop is closed.
func pumpRecv(p *Provider, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if st := p.Recv(0); st != provider.OK {
			return
		}
	}
}

func TestConnectDeliversPrimaryViewAndSynced(t *testing.T) {
	addr := freeAddr(t)
	p := New(addr, 1, nil)
	rec := newRecordingCallbacks()
	if err := p.Init(rec.cb(), store.UndefinedGTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Disconnect()

	if err := p.Connect("test-cluster", "", true); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stop := make(chan struct{})
	go pumpRecv(p, stop)
	defer close(stop)

	select {
	case v := <-rec.views:
		if v.Status != store.ViewPrimary {
			t.Fatalf("view status = %v, want PRIMARY", v.Status)
		}
		if v.MyIndex != 0 || len(v.Members) != 1 {
			t.Fatalf("unexpected solo view: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for view")
	}

	select {
	case <-rec.synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synced")
	}
}

func TestCertifyAndBroadcastReachesPeer(t *testing.T) {
	coordAddr := freeAddr(t)
	peerAddr := freeAddr(t)
	addrList := coordAddr + "," + peerAddr

	coord := New(coordAddr, 1, nil)
	peer := New(peerAddr, 2, nil)

	coordCb := newRecordingCallbacks()
	peerCb := newRecordingCallbacks()
	if err := coord.Init(coordCb.cb(), store.UndefinedGTID); err != nil {
		t.Fatalf("coord Init: %v", err)
	}
	if err := peer.Init(peerCb.cb(), store.UndefinedGTID); err != nil {
		t.Fatalf("peer Init: %v", err)
	}
	defer coord.Disconnect()
	defer peer.Disconnect()

	if err := coord.Connect("test-cluster", addrList, true); err != nil {
		t.Fatalf("coord Connect: %v", err)
	}
	if err := peer.Connect("test-cluster", addrList, false); err != nil {
		t.Fatalf("peer Connect: %v", err)
	}

	stop := make(chan struct{})
	go pumpRecv(coord, stop)
	go pumpRecv(peer, stop)
	defer close(stop)

	// Drain each node's own initial view+synced before exercising certify.
	<-coordCb.views
	<-coordCb.synced
	<-peerCb.views
	<-peerCb.synced

	h := &provider.WriteSetHandle{TrxID: 1}
	readView := store.GTID{Seqno: -1}
	if st := coord.AppendKey(h, provider.Key{Index: 3, Type: provider.KeyUpdate}); st != provider.OK {
		t.Fatalf("AppendKey: %v", st)
	}
	if st := coord.AppendData(h, store.EncodeReadView(readView), provider.DataOrdered, true); st != provider.OK {
		t.Fatalf("AppendData(read view): %v", st)
	}
	op := store.Operation{Dst: 3, NewValue: 42, NominalSize: 16}
	if st := coord.AppendData(h, store.EncodeOperation(op), provider.DataOrdered, true); st != provider.OK {
		t.Fatalf("AppendData(op): %v", st)
	}

	meta, status := coord.Certify(1, h, provider.FlagTrxStart|provider.FlagTrxEnd)
	if status != provider.OK {
		t.Fatalf("Certify status = %v, want OK", status)
	}
	if meta.GTID.Seqno != 1 {
		t.Fatalf("first certified seqno = %d, want 1 (the initial view already installs seqno 0)", meta.GTID.Seqno)
	}
	coord.Release(h)

	select {
	case got := <-peerCb.applies:
		if got.meta.GTID.Seqno != 1 {
			t.Fatalf("peer applied seqno = %d, want 1", got.meta.GTID.Seqno)
		}
		gotReadView, rest, err := decodeForTest(got.ws)
		if err != nil {
			t.Fatalf("decode applied write-set: %v", err)
		}
		if gotReadView != readView {
			t.Fatalf("applied read view = %v, want %v", gotReadView, readView)
		}
		if len(rest) != 16 {
			t.Fatalf("applied op body length = %d, want 16", len(rest))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer to receive the broadcast apply")
	}

	// The coordinator originated this write-set and must not receive its
	// own broadcast back.
	select {
	case got := <-coordCb.applies:
		t.Fatalf("coordinator unexpectedly received its own write-set back: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func decodeForTest(ws []byte) (store.GTID, []byte, error) {
	gtid, err := store.DecodeReadView(ws)
	if err != nil {
		return store.GTID{}, nil, err
	}
	return gtid, ws[24:], nil
}

func TestCertifyConflictReturnsTrxFail(t *testing.T) {
	addr := freeAddr(t)
	coord := New(addr, 1, nil)
	cb := newRecordingCallbacks()
	if err := coord.Init(cb.cb(), store.UndefinedGTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Disconnect()
	if err := coord.Connect("test-cluster", "", true); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stop := make(chan struct{})
	go pumpRecv(coord, stop)
	defer close(stop)
	<-cb.views
	<-cb.synced

	// First write-set touches key 5 and certifies at seqno 1 (the initial
	// view already installs seqno 0).
	h1 := &provider.WriteSetHandle{TrxID: 1}
	coord.AppendKey(h1, provider.Key{Index: 5, Type: provider.KeyUpdate})
	coord.AppendData(h1, store.EncodeReadView(store.GTID{Seqno: -1}), provider.DataOrdered, true)
	if _, status := coord.Certify(1, h1, 0); status != provider.OK {
		t.Fatalf("first certify status = %v, want OK", status)
	}
	coord.Release(h1)

	// Second write-set also touches key 5 but was read against the same
	// stale read view: it must conflict, since key 5 was already
	// certified at a later seqno.
	h2 := &provider.WriteSetHandle{TrxID: 2}
	coord.AppendKey(h2, provider.Key{Index: 5, Type: provider.KeyUpdate})
	coord.AppendData(h2, store.EncodeReadView(store.GTID{Seqno: -1}), provider.DataOrdered, true)
	_, status := coord.Certify(1, h2, 0)
	if status != provider.TrxFail {
		t.Fatalf("second certify status = %v, want TRX_FAIL", status)
	}
	coord.Release(h2)
}

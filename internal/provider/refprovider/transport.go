package refprovider

import (
	"crypto/md5"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

// derive16 turns an arbitrary string into a 16-byte identity, for deriving
// store.UUIDs (cluster epoch, member identity) from configuration strings
// this reference provider never persists anywhere else.
func derive16(s string) [16]byte {
	return md5.Sum([]byte(s))
}

// acceptLoop is the coordinator's connection acceptor, modeled on
// net_transport.go's listen(): exponential backoff on Accept errors,
// capped, bailing out once the provider is closed.
func (p *Provider) acceptLoop(ln net.Listener) {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 500 * time.Millisecond
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			if delay == 0 {
				delay = baseDelay
			} else {
				delay *= 2
			}
			if delay > maxDelay {
				delay = maxDelay
			}
			p.logger.Warn("accept failed", "error", err)
			time.Sleep(delay)
			continue
		}
		delay = 0
		go p.handleConn(conn)
	}
}

// handleConn dispatches one inbound connection by its first message type:
// a long-lived subscribe stream, or a one-shot certify request.
func (p *Provider) handleConn(conn net.Conn) {
	wc := newWireConn(conn)
	msgType, err := wc.readType()
	if err != nil {
		conn.Close()
		return
	}

	switch msgType {
	case msgSubscribe:
		p.serveSubscriber(conn, wc)
	case msgCertifyRequest:
		defer conn.Close()
		p.serveCertifyRequest(wc)
	default:
		conn.Close()
	}
}

// serveCertifyRequest handles one certify RPC and replies on the same
// connection, which is then closed by the caller: certify traffic in this
// reference implementation is low-rate enough that a pooled, persistent
// connection (as the teacher's NetworkTransport keeps for its RPCs) isn't
// worth the bookkeeping.
func (p *Provider) serveCertifyRequest(wc *wireConn) {
	var req certifyRequestMsg
	if err := wc.readBody(&req); err != nil {
		p.logger.Error("certify request decode failed", "error", err)
		return
	}

	readView, err := store.DecodeReadView(req.WriteSet)
	if err != nil {
		p.logger.Error("certify request has unparseable write-set", "error", err)
		wc.write(msgCertifyResponse, certifyResponseMsg{Status: uint8(provider.NodeFail)})
		return
	}

	seqno, ok := p.seq.certify(req.Keys, readView.Seqno)
	if !ok {
		wc.write(msgCertifyResponse, certifyResponseMsg{Status: uint8(provider.TrxFail)})
		return
	}

	gtid := store.GTID{UUID: p.clusterUUID, Seqno: seqno}
	p.broadcastApply(gtid, req.WriteSet, req.ConnID)
	wc.write(msgCertifyResponse, certifyResponseMsg{UUID: gtid.UUID, Seqno: gtid.Seqno, Status: uint8(provider.OK)})
}

// serveSubscriber registers conn as a standing apply broadcast stream for
// one peer, identified by the ConnID in its subscribe handshake, until the
// connection errors or the provider closes.
func (p *Provider) serveSubscriber(conn net.Conn, wc *wireConn) {
	var sub subscribeMsg
	if err := wc.readBody(&sub); err != nil {
		p.logger.Error("subscribe handshake decode failed", "error", err)
		conn.Close()
		return
	}

	s := &subscriber{connID: sub.ConnID, wc: wc, closeConn: conn}
	p.subMu.Lock()
	p.subscribers[sub.ConnID] = s
	p.subMu.Unlock()

	p.logger.Info("subscriber registered", "conn_id", sub.ConnID)

	<-p.stopCh
	conn.Close()

	p.subMu.Lock()
	delete(p.subscribers, sub.ConnID)
	p.subMu.Unlock()
}

// broadcastApply pushes an applyMsg to every subscriber except the one
// that originated the write-set (it already has it via its own local
// commit path) and, if the coordinator itself did not originate it, onto
// the coordinator's own apply event queue directly, in-process.
func (p *Provider) broadcastApply(gtid store.GTID, ws []byte, originConnID int64) {
	msg := applyMsg{UUID: gtid.UUID, Seqno: gtid.Seqno, WriteSet: ws, OriginConnID: originConnID}

	p.subMu.Lock()
	subs := make([]*subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		if s.connID != originConnID {
			subs = append(subs, s)
		}
	}
	p.subMu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		err := s.wc.write(msgApply, msg)
		s.mu.Unlock()
		if err != nil {
			p.logger.Warn("broadcast to subscriber failed", "conn_id", s.connID, "error", err)
		}
	}

	if p.connID != originConnID {
		p.enqueueApply(gtid, ws, originConnID)
	}
}

// subscriber is one peer's registered apply broadcast stream.
type subscriber struct {
	connID    int64
	mu        sync.Mutex
	wc        *wireConn
	closeConn net.Conn
}

// dialSubscribe connects to the coordinator's apply stream, retrying
// briefly since nodes in this static cluster may start in any order, then
// reads applyMsg frames until the connection drops or the provider closes.
func (p *Provider) dialSubscribe() {
	const attempts = 40
	const retryDelay = 50 * time.Millisecond

	var conn net.Conn
	var err error
	for i := 0; i < attempts; i++ {
		conn, err = net.Dial("tcp", p.coordinatorAddr)
		if err == nil {
			break
		}
		select {
		case <-p.stopCh:
			return
		case <-time.After(retryDelay):
		}
	}
	if err != nil {
		p.logger.Error("failed to reach coordinator", "addr", p.coordinatorAddr, "error", err)
		return
	}

	wc := newWireConn(conn)
	if err := wc.write(msgSubscribe, subscribeMsg{ConnID: p.connID}); err != nil {
		p.logger.Error("subscribe handshake failed", "error", err)
		conn.Close()
		return
	}

	p.subConnMu.Lock()
	p.subConn = conn
	p.subConnMu.Unlock()

	for {
		msgType, err := wc.readType()
		if err != nil {
			if err != io.EOF {
				p.logger.Warn("subscribe stream read failed", "error", err)
			}
			return
		}
		if msgType != msgApply {
			continue
		}
		var msg applyMsg
		if err := wc.readBody(&msg); err != nil {
			p.logger.Warn("apply frame decode failed", "error", err)
			return
		}
		p.enqueueApply(store.GTID{UUID: msg.UUID, Seqno: msg.Seqno}, msg.WriteSet, msg.OriginConnID)
	}
}

// certifyRemote sends a one-shot certify RPC to the coordinator.
func (p *Provider) certifyRemote(req certifyRequestMsg) (certifyResponseMsg, error) {
	conn, err := net.DialTimeout("tcp", p.coordinatorAddr, 5*time.Second)
	if err != nil {
		return certifyResponseMsg{}, fmt.Errorf("refprovider: dial coordinator: %w", err)
	}
	defer conn.Close()

	wc := newWireConn(conn)
	if err := wc.write(msgCertifyRequest, req); err != nil {
		return certifyResponseMsg{}, fmt.Errorf("refprovider: send certify request: %w", err)
	}

	msgType, err := wc.readType()
	if err != nil {
		return certifyResponseMsg{}, fmt.Errorf("refprovider: read certify response type: %w", err)
	}
	if msgType != msgCertifyResponse {
		return certifyResponseMsg{}, fmt.Errorf("refprovider: unexpected response message type %d", msgType)
	}

	var resp certifyResponseMsg
	if err := wc.readBody(&resp); err != nil {
		return certifyResponseMsg{}, fmt.Errorf("refprovider: decode certify response: %w", err)
	}
	return resp, nil
}

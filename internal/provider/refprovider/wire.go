// Package refprovider is a reference Provider backend: a small TCP cluster
// of nodes certifying through one statically-elected coordinator, modeled
// on the teacher's NetworkTransport (pkg/mcast/net_transport.go) for wire
// framing and github.com/hashicorp/go-msgpack/codec for encoding.
package refprovider

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// Message types, each framed as a single type byte followed by one
// msgpack-encoded value, exactly as net_transport.go frames its RPCs.
const (
	msgSubscribe uint8 = iota
	msgCertifyRequest
	msgCertifyResponse
	msgApply
)

type subscribeMsg struct {
	ConnID int64
}

type certifyRequestMsg struct {
	ConnID   int64
	Keys     []int
	WriteSet []byte
}

type certifyResponseMsg struct {
	UUID   [16]byte
	Seqno  int64
	Status uint8
}

type applyMsg struct {
	UUID         [16]byte
	Seqno        int64
	WriteSet     []byte
	OriginConnID int64
}

var handle = &codec.MsgpackHandle{}

// wireConn pairs a connection's buffered reader/writer with a single
// long-lived encoder/decoder pair, exactly as the teacher's netConn does:
// a msgpack Decoder/Encoder each consume or produce exactly one value per
// call, so they are safe to reuse across many messages on the same stream.
type wireConn struct {
	r   *bufio.Reader
	w   *bufio.Writer
	dec *codec.Decoder
	enc *codec.Encoder
}

func newWireConn(rw io.ReadWriter) *wireConn {
	r := bufio.NewReader(rw)
	w := bufio.NewWriter(rw)
	return &wireConn{
		r:   r,
		w:   w,
		dec: codec.NewDecoder(r, handle),
		enc: codec.NewEncoder(w, handle),
	}
}

func (c *wireConn) write(msgType uint8, v interface{}) error {
	if err := c.w.WriteByte(msgType); err != nil {
		return fmt.Errorf("refprovider: write message type: %w", err)
	}
	if err := c.enc.Encode(v); err != nil {
		return fmt.Errorf("refprovider: encode message: %w", err)
	}
	return c.w.Flush()
}

func (c *wireConn) readType() (uint8, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, nil
}

func (c *wireConn) readBody(v interface{}) error {
	if err := c.dec.Decode(v); err != nil {
		return fmt.Errorf("refprovider: decode message: %w", err)
	}
	return nil
}

package store

// Record is a fixed-size entity addressed by dense integer index. Version is
// the seqno of the write-set that last committed it; UndefinedSeqno before
// the record has ever been written.
type Record struct {
	Version int64
	Value   uint32
}

// Operation is one "copy src's value into dst, incremented by one" step
// within a transaction context. SrcBefore/DstBefore are the record values
// observed at read time, used by the Store's own read-view verification at
// commit time when the provider lacks snapshot support.
type Operation struct {
	Src, Dst           int
	SrcBefore, DstBefore Record
	NewValue           uint32
	NominalSize        int
}

// Txn is a transaction context: the ordered operations of a write-set plus
// the GTID captured when the first operation executed (or, for a remote
// write-set, decoded off the wire). It is never shared between goroutines;
// whichever worker holds the TxnHandle owns it exclusively.
type Txn struct {
	ReadView GTID
	Ops      []Operation
	remote   bool
}

// TxnHandle gives unique, typed ownership of a transaction context, in
// place of the original's opaque-pointer-in-an-integer-handle idiom. The
// zero value is a handle with no attached context yet.
type TxnHandle struct {
	txn *Txn
}

// NewTxnHandle returns a fresh, empty handle for a local (master-path)
// transaction. BeginOrExtendOp attaches the context on first use.
func NewTxnHandle() *TxnHandle {
	return &TxnHandle{}
}

// Txn exposes the attached context, or nil if none is attached yet.
func (h *TxnHandle) Txn() *Txn {
	if h == nil {
		return nil
	}
	return h.txn
}

// ReadView returns the transaction's captured read-view GTID. Callers must
// only invoke this after at least one operation has been added.
func (h *TxnHandle) ReadView() GTID {
	if h.txn == nil {
		return UndefinedGTID
	}
	return h.txn.ReadView
}

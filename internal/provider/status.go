// Package provider defines the replication provider contract: the
// operations the node invokes on a provider, the callbacks the node must
// supply, and the status/capability/key/data-type vocabulary shared by
// both directions. It owns the provider handle, the cached view, and the
// SYNCED latch described in spec.md §4.3.
package provider

// Status is a provider result code. The core only ever branches on this
// small, closed set.
type Status int

const (
	OK Status = iota
	Warning
	TrxMissing
	TrxFail
	BFAbort
	ConnFail
	NodeFail
	Fatal
	NotImplemented
	NotAllowed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Warning:
		return "WARNING"
	case TrxMissing:
		return "TRX_MISSING"
	case TrxFail:
		return "TRX_FAIL"
	case BFAbort:
		return "BF_ABORT"
	case ConnFail:
		return "CONN_FAIL"
	case NodeFail:
		return "NODE_FAIL"
	case Fatal:
		return "FATAL"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case NotAllowed:
		return "NOT_ALLOWED"
	default:
		return "UNKNOWN"
	}
}

// KeyType tags a write-set key as it is appended to the provider.
type KeyType int

const (
	KeyShared KeyType = iota
	KeyReference
	KeyUpdate
	KeyExclusive
)

// DataType tags a write-set data fragment as it is appended to the
// provider.
type DataType int

const (
	DataOrdered DataType = iota
	DataUnordered
	DataAnnotation
)

// Flag is a bitmask of per-write-set flags passed to Certify.
type Flag uint32

const (
	FlagTrxStart Flag = 1 << iota
	FlagTrxEnd
	FlagRollback
	FlagIsolation
)

package sst

import (
	"time"

	"github.com/coocood/freecache"
)

// purgatoryBytes sizes the freecache instance backing the rendezvous
// purgatory. Token records are tiny ("host:port" keys, 1-byte values); this
// is generous headroom, matching the teacher's hpq/purgatory.go sizing
// (10MB) rather than tuning it down for a handful of expected entries.
const purgatoryBytes = 10 * 1024 * 1024

// purgatoryTTL bounds how long a rendezvous token is remembered, in case a
// donor worker is killed before it clears its own entry.
const purgatoryTTL = 500 * time.Second

// purgatory deduplicates in-flight SST rendezvous tokens, so a slow or
// retried donor request cannot spawn a second donor worker already
// servicing the same joiner address. Adapted from
// pkg/mcast/hpq/purgatory.go's TtlPurgatory.
type purgatory struct {
	delegate *freecache.Cache
}

func newPurgatory() *purgatory {
	return &purgatory{delegate: freecache.NewCache(purgatoryBytes)}
}

// claim reports whether token was newly claimed (true) or was already
// in flight (false).
func (p *purgatory) claim(token string) bool {
	key := []byte(token)
	if _, err := p.delegate.Get(key); err == nil {
		return false
	}
	_ = p.delegate.Set(key, []byte{1}, int(purgatoryTTL.Seconds()))
	return true
}

// release clears token, for when its worker finishes before the TTL.
func (p *purgatory) release(token string) {
	p.delegate.Del([]byte(token))
}

package refprovider

import (
	"strconv"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/wangjia184/sortedset"
)

// commitQueue serializes CommitOrderEnter/Leave on one node: Enter blocks
// until its seqno is the lowest outstanding one, Leave removes it and
// wakes the rest. Adapted from the teacher's internal/queue.go RQueue: a
// sortedset holds the outstanding seqnos so the head is always a O(log n)
// peek, and a ttlcache of already-left seqnos lets enter return at once for
// a redelivered seqno instead of queuing it a second time. The queue only
// reports the duplicate to its caller; it does not stop the caller from
// going on to the Store.
type commitQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *sortedset.SortedSet
	left    *ttlcache.Cache
}

func newCommitQueue() *commitQueue {
	left := ttlcache.NewCache()
	left.SetTTL(10 * time.Minute)
	q := &commitQueue{pending: sortedset.New(), left: left}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func seqnoKey(seqno int64) string {
	return strconv.FormatInt(seqno, 10)
}

// enter blocks until seqno is the minimum outstanding entry, then returns
// true. It returns false without blocking if seqno already left the queue
// once before, so a duplicate enter/leave pair is harmless.
func (q *commitQueue) enter(seqno int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.left.Get(seqnoKey(seqno)); ok {
		return false
	}

	q.pending.AddOrUpdate(seqnoKey(seqno), sortedset.SCORE(seqno), seqno)
	for {
		min := q.pending.PeekMin()
		if min != nil && min.Value.(int64) == seqno {
			return true
		}
		q.cond.Wait()
	}
}

// leave removes seqno from the outstanding set and wakes every waiter.
func (q *commitQueue) leave(seqno int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Remove(seqnoKey(seqno))
	q.left.Set(seqnoKey(seqno), true)
	q.cond.Broadcast()
}

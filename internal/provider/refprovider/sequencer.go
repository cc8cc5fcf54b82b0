package refprovider

import "sync"

// sequencer is the coordinator's certification index: it assigns the next
// seqno and rejects a write-set whose keys were touched by a later seqno
// than the write-set's own read view, the same optimistic conflict check
// wsrep's certification index performs. Point lookups only, so a plain map
// under the same mutex as the counter serves it; sortedset is reserved for
// commitQueue, where ordering (not lookup) is the actual problem.
type sequencer struct {
	mu        sync.Mutex
	nextSeqno int64
	lastTouch map[int]int64
}

// newSequencer starts the seqno counter at startSeqno, the next seqno not
// yet represented in the store this coordinator is running on top of.
// store.checkOrdered requires wsGTID.Seqno == store.gtid.Seqno+1, so a
// coordinator whose store is already at some seqno (e.g. restored from an
// SST) must not restart numbering from 0.
func newSequencer(startSeqno int64) *sequencer {
	return &sequencer{nextSeqno: startSeqno, lastTouch: make(map[int]int64)}
}

// certify returns the assigned seqno and true on success, or false if any
// key was touched by a write-set ordered after readView.
func (s *sequencer) certify(keys []int, readView int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if last, touched := s.lastTouch[k]; touched && last > readView {
			return 0, false
		}
	}

	seqno := s.nextSeqno
	s.nextSeqno++
	for _, k := range keys {
		s.lastTouch[k] = seqno
	}
	return seqno, true
}

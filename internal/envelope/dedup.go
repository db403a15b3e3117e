package envelope

import (
	"container/list"
	"sync"
)

// dedupCapacity bounds how many recently-seen envelope IDs are retained per
// connection before the oldest are evicted — an LRU, the same bounded-
// eviction discipline the teacher uses for msgOwners/msgStore in
// server/room.go.
const dedupCapacity = 4096

// DedupTracker maintains a per-connection set of recently seen envelope
// IDs so a replayed id produces no additional handler invocation (design
// §8's Dedup invariant).
type DedupTracker struct {
	mu          sync.Mutex
	perConn     map[string]*lruSet
	duplicates  int64
}

// NewDedupTracker creates an empty tracker.
func NewDedupTracker() *DedupTracker {
	return &DedupTracker{perConn: make(map[string]*lruSet)}
}

// Seen records id for connectionID if not already present, and reports
// whether it was a duplicate. On duplicate, the internal counter used by
// Duplicates() is incremented.
func (d *DedupTracker) Seen(connectionID, id string) (duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.perConn[connectionID]
	if !ok {
		set = newLRUSet(dedupCapacity)
		d.perConn[connectionID] = set
	}
	if set.contains(id) {
		d.duplicates++
		return true
	}
	set.add(id)
	return false
}

// Duplicates returns the running count of detected duplicates across all
// connections.
func (d *DedupTracker) Duplicates() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duplicates
}

// Forget drops all dedup state for a closed connection.
func (d *DedupTracker) Forget(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.perConn, connectionID)
}

// lruSet is a bounded-size set with LRU eviction, backed by a map + list
// exactly like the stdlib-idiomatic LRU used elsewhere in this module
// (internal/perfctl's caches).
type lruSet struct {
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{capacity: capacity, ll: list.New(), index: make(map[string]*list.Element)}
}

func (s *lruSet) contains(id string) bool {
	el, ok := s.index[id]
	if !ok {
		return false
	}
	s.ll.MoveToFront(el)
	return true
}

func (s *lruSet) add(id string) {
	el := s.ll.PushFront(id)
	s.index[id] = el
	if s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		if oldest != nil {
			s.ll.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
}

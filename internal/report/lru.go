package report

import (
	"fmt"
	"slices"
	"sync"
)

// LRUStore is an in-memory LRU of summaries. When back is set, every save
// is written through and misses are loaded from it, so evicted summaries
// stay reachable by id.
type LRUStore struct {
	mu   sync.Mutex
	cap  int
	back Store

	// Doubly-linked list for LRU ordering (most recent at head).
	head, tail *lruEntry
	items      map[string]*lruEntry
}

type lruEntry struct {
	key     string
	summary *Summary
	prev    *lruEntry
	next    *lruEntry
}

// NewLRUStore creates an LRU cache with the given capacity. back may be nil.
// Capacity must be >= 1.
func NewLRUStore(cap int, back Store) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		back:  back,
		items: make(map[string]*lruEntry, cap),
	}
}

// Save records the summary and writes it through to the backing store.
func (s *LRUStore) Save(sum *Summary) error {
	s.mu.Lock()
	s.put(sum.ID, sum)
	s.mu.Unlock()

	if s.back == nil {
		return nil
	}
	return s.back.Save(sum)
}

// Load checks the cache first. On miss it loads from the backing store
// and promotes the summary into the cache.
func (s *LRUStore) Load(runID string) (*Summary, error) {
	s.mu.Lock()
	if e, ok := s.items[runID]; ok {
		s.moveToFront(e)
		sum := e.summary
		s.mu.Unlock()
		return sum, nil
	}
	s.mu.Unlock()

	if s.back == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	sum, err := s.back.Load(runID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.put(runID, sum)
	s.mu.Unlock()
	return sum, nil
}

// Recent returns up to n cached summaries, latest finish first. n <= 0
// returns all of them.
func (s *LRUStore) Recent(n int) []*Summary {
	s.mu.Lock()
	out := make([]*Summary, 0, len(s.items))
	for e := s.head; e != nil; e = e.next {
		out = append(out, e.summary)
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b *Summary) int {
		return b.EndedAt.Compare(a.EndedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len returns the number of cached summaries.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *LRUStore) put(key string, sum *Summary) {
	if e, ok := s.items[key]; ok {
		e.summary = sum
		s.moveToFront(e)
		return
	}
	e := &lruEntry{key: key, summary: sum}
	s.items[key] = e
	s.pushFront(e)
	if len(s.items) > s.cap {
		s.evict()
	}
}

func (s *LRUStore) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *LRUStore) moveToFront(e *lruEntry) {
	if s.head == e {
		return
	}
	s.remove(e)
	s.pushFront(e)
}

func (s *LRUStore) remove(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *LRUStore) evict() {
	if s.tail == nil {
		return
	}
	e := s.tail
	s.remove(e)
	delete(s.items, e.key)
}

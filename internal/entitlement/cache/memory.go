package cache

import (
	"container/heap"
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store: an LRU bounded by maxEntries with
// per-entry TTL, plus min-heaps for the expiry indexes. One mutex guards all
// state.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List
	items      map[string]*list.Element
	indexes    map[string]*expiryHeap
	now        func() time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	return newMemoryStore(maxEntries, time.Now)
}

func newMemoryStore(maxEntries int, now func() time.Time) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		indexes:    make(map[string]*expiryHeap),
		now:        now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !s.now().Before(entry.expiresAt) {
		s.removeElement(el)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	return entry.value, true, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(context.Background(), key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	if el, ok := s.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return nil
	}

	for s.order.Len() >= s.maxEntries {
		s.removeElement(s.order.Back())
	}
	s.items[key] = s.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if el, ok := s.items[key]; ok {
			s.removeElement(el)
		}
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *MemoryStore) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.items, el.Value.(*memoryEntry).key)
}

func (s *MemoryStore) IndexAddMin(_ context.Context, index, member string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.indexes[index]
	if !ok {
		h = newExpiryHeap()
		s.indexes[index] = h
	}
	h.addMin(member, at)
	return nil
}

func (s *MemoryStore) IndexRangeUpTo(_ context.Context, index string, max time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.indexes[index]
	if !ok {
		return nil, nil
	}
	return h.upTo(max), nil
}

func (s *MemoryStore) IndexRemove(_ context.Context, index string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.indexes[index]
	if !ok {
		return nil
	}
	for _, m := range members {
		h.remove(m)
	}
	return nil
}

type expiryItem struct {
	member string
	at     time.Time
	pos    int
}

// expiryHeap is a min-heap on expiry with a member lookup for removal.
type expiryHeap struct {
	items    []*expiryItem
	byMember map[string]*expiryItem
}

func newExpiryHeap() *expiryHeap {
	return &expiryHeap{byMember: map[string]*expiryItem{}}
}

func (h *expiryHeap) Len() int { return len(h.items) }

func (h *expiryHeap) Less(i, j int) bool {
	if h.items[i].at.Equal(h.items[j].at) {
		return h.items[i].member < h.items[j].member
	}
	return h.items[i].at.Before(h.items[j].at)
}

func (h *expiryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].pos = i
	h.items[j].pos = j
}

func (h *expiryHeap) Push(x any) {
	item := x.(*expiryItem)
	item.pos = len(h.items)
	h.items = append(h.items, item)
}

func (h *expiryHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *expiryHeap) addMin(member string, at time.Time) {
	if existing, ok := h.byMember[member]; ok {
		if at.Before(existing.at) {
			existing.at = at
			heap.Fix(h, existing.pos)
		}
		return
	}
	item := &expiryItem{member: member, at: at}
	h.byMember[member] = item
	heap.Push(h, item)
}

func (h *expiryHeap) remove(member string) {
	item, ok := h.byMember[member]
	if !ok {
		return
	}
	heap.Remove(h, item.pos)
	delete(h.byMember, member)
}

// upTo walks only the heap prefix whose expiry is <= max.
func (h *expiryHeap) upTo(max time.Time) []string {
	var out []string
	var walk func(i int)
	walk = func(i int) {
		if i >= len(h.items) || h.items[i].at.After(max) {
			return
		}
		out = append(out, h.items[i].member)
		walk(2*i + 1)
		walk(2*i + 2)
	}
	walk(0)
	return out
}

package cache

import (
	"fmt"
	"sync"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/metrics"
	"github.com/a7comix/a7comix/pkg/misc"
)

// MemoryCache keeps rendered pages in memory. The total cost of cached pages never exceeds
// the budget: least recently used pages are evicted on overflow.
//
// Entries are stored in an arena with int32 links instead of pointers, freed slots are reused.
type MemoryCache struct {
	mu     sync.Mutex
	budget int64
	used   int64

	index   map[a7comix.PageKey]int32
	entries []entry
	free    []int32
	// head is the most recently used entry, tail - the least recently used one.
	head int32
	tail int32
}

const nilIndex int32 = -1

type entry struct {
	page *a7comix.RenderedPage
	prev int32
	next int32
}

type Stats struct {
	Len    int
	Used   int64
	Budget int64
}

// NewMemoryCache returns a new cache with the passed budget in bytes.
func NewMemoryCache(budget int64) *MemoryCache {
	return &MemoryCache{
		budget: budget,
		index:  make(map[a7comix.PageKey]int32),
		head:   nilIndex,
		tail:   nilIndex,
	}
}

// Get returns a cached page and marks it as recently used. A miss doesn't change the cache.
func (c *MemoryCache) Get(key a7comix.PageKey) (*a7comix.RenderedPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	metrics.CacheHits.Inc()
	c.moveToFront(i)
	return c.entries[i].page, true
}

// Contains reports whether the page is cached. Unlike [MemoryCache.Get], it doesn't
// affect the eviction order.
func (c *MemoryCache) Contains(key a7comix.PageKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index[key]
	return ok
}

// Peek returns a cached page without affecting the eviction order.
func (c *MemoryCache) Peek(key a7comix.PageKey) (*a7comix.RenderedPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return c.entries[i].page, true
}

// Put adds a page to the cache or replaces the cached one with the same key. It returns
// [a7comix.ErrCacheOverflow] if the page alone exceeds the budget.
func (c *MemoryCache) Put(page *a7comix.RenderedPage) error {
	if page.Cost > c.budget {
		metrics.CacheOverflows.Inc()
		return fmt.Errorf(
			"%w: page %s takes %s, budget is %s",
			a7comix.ErrCacheOverflow, page.Key, misc.FormatFileSize(page.Cost), misc.FormatFileSize(c.budget),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[page.Key]
	if ok {
		c.used += page.Cost - c.entries[i].page.Cost
		c.entries[i].page = page
		c.moveToFront(i)
	} else {
		i = c.alloc(page)
		c.index[page.Key] = i
		c.used += page.Cost
		c.pushFront(i)
	}

	// The new page is at the front, so the loop stops at it at the latest.
	for c.used > c.budget && c.tail != i {
		c.remove(c.tail)
		metrics.CacheEvictions.Inc()
	}
	return nil
}

// Invalidate removes all pages of the document. It returns the number of removed pages.
func (c *MemoryCache) Invalidate(doc a7comix.DocumentID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for i := c.head; i != nilIndex; {
		next := c.entries[i].next
		if c.entries[i].page.Key.Doc == doc {
			c.remove(i)
			removed++
		}
		i = next
	}
	return removed
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.index)
	c.entries = c.entries[:0]
	c.free = c.free[:0]
	c.head, c.tail = nilIndex, nilIndex
	c.used = 0
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Len:    len(c.index),
		Used:   c.used,
		Budget: c.budget,
	}
}

// keys returns cached keys from the most to the least recently used.
func (c *MemoryCache) keys() []a7comix.PageKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]a7comix.PageKey, 0, len(c.index))
	for i := c.head; i != nilIndex; i = c.entries[i].next {
		res = append(res, c.entries[i].page.Key)
	}
	return res
}

func (c *MemoryCache) alloc(page *a7comix.RenderedPage) int32 {
	e := entry{page: page, prev: nilIndex, next: nilIndex}

	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		c.entries[i] = e
		return i
	}

	c.entries = append(c.entries, e)
	return int32(len(c.entries) - 1)
}

func (c *MemoryCache) remove(i int32) {
	c.unlink(i)

	page := c.entries[i].page
	delete(c.index, page.Key)
	c.used -= page.Cost

	c.entries[i] = entry{prev: nilIndex, next: nilIndex}
	c.free = append(c.free, i)
}

func (c *MemoryCache) moveToFront(i int32) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}

func (c *MemoryCache) pushFront(i int32) {
	c.entries[i].prev = nilIndex
	c.entries[i].next = c.head
	if c.head != nilIndex {
		c.entries[c.head].prev = i
	}
	c.head = i
	if c.tail == nilIndex {
		c.tail = i
	}
}

func (c *MemoryCache) unlink(i int32) {
	e := &c.entries[i]
	if e.prev != nilIndex {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nilIndex {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nilIndex, nilIndex
}

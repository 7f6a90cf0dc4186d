// Package queue holds pending work items keyed by due time and releases each
// one to exactly one claimer no earlier than its due time.
//
// The queue carries routing state only (item id, delivery id, platform, due
// time). Delivery content lives in the store, so the queue can be rebuilt
// from it after a restart.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"postflow/internal/domain"
)

var ErrClosed = errors.New("queue closed")

// Item is a work item waiting for dispatch.
type Item struct {
	ID       string
	RecordID string
	Platform domain.Platform
	DueAt    time.Time

	seq   uint64
	index int
}

// NewItemID returns an id for an item that has not been enqueued yet, so the
// id can be persisted on the delivery before the item becomes claimable.
func NewItemID() string { return "wi_" + uuid.NewString() }

// Queue is a set of per-platform min-heaps behind one mutex.
type Queue struct {
	mu       sync.Mutex
	buckets  map[domain.Platform]*bucket
	items    map[string]*Item
	byRecord map[string]*Item
	seq      uint64
	closed   bool
	done     chan struct{}
	now      func() time.Time
}

type bucket struct {
	h itemHeap
	// wake is closed and replaced whenever the head of the heap may have changed.
	wake chan struct{}
}

func New() *Queue {
	return &Queue{
		buckets:  make(map[domain.Platform]*bucket),
		items:    make(map[string]*Item),
		byRecord: make(map[string]*Item),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *Queue) bucketLocked(p domain.Platform) *bucket {
	b := q.buckets[p]
	if b == nil {
		b = &bucket{wake: make(chan struct{})}
		q.buckets[p] = b
	}
	return b
}

func (b *bucket) notify() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Enqueue adds an item and returns its id. A zero DueAt or one in the past
// makes the item eligible immediately. If the delivery already has a waiting
// item, that item is replaced so a delivery is never queued twice.
func (q *Queue) Enqueue(it Item) (string, error) {
	if it.RecordID == "" {
		return "", errors.New("queue: item without record id")
	}
	if it.ID == "" {
		it.ID = NewItemID()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if old := q.byRecord[it.RecordID]; old != nil {
		q.removeLocked(old)
	}
	if old := q.items[it.ID]; old != nil {
		q.removeLocked(old)
	}

	q.seq++
	item := &Item{ID: it.ID, RecordID: it.RecordID, Platform: it.Platform, DueAt: it.DueAt, seq: q.seq}
	b := q.bucketLocked(item.Platform)
	heap.Push(&b.h, item)
	q.items[item.ID] = item
	q.byRecord[item.RecordID] = item
	b.notify()
	return item.ID, nil
}

// Cancel removes a waiting item. It reports false if the item was already
// claimed or never existed.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[id]
	if it == nil {
		return false
	}
	q.removeLocked(it)
	q.bucketLocked(it.Platform).notify()
	return true
}

func (q *Queue) removeLocked(it *Item) {
	b := q.bucketLocked(it.Platform)
	if it.index >= 0 && it.index < len(b.h) && b.h[it.index] == it {
		heap.Remove(&b.h, it.index)
	}
	delete(q.items, it.ID)
	if q.byRecord[it.RecordID] == it {
		delete(q.byRecord, it.RecordID)
	}
}

// Claim blocks until the earliest item for platform is due, removes it and
// returns it. Only one caller ever receives a given item.
func (q *Queue) Claim(ctx context.Context, p domain.Platform) (Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrClosed
		}
		b := q.bucketLocked(p)
		wait := time.Duration(-1)
		if len(b.h) > 0 {
			head := b.h[0]
			if d := head.DueAt.Sub(q.now()); d > 0 {
				wait = d
			} else {
				heap.Pop(&b.h)
				delete(q.items, head.ID)
				if q.byRecord[head.RecordID] == head {
					delete(q.byRecord, head.RecordID)
				}
				q.mu.Unlock()
				return *head, nil
			}
		}
		wake := b.wake
		q.mu.Unlock()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Item{}, ctx.Err()
		case <-q.done:
			if timer != nil {
				timer.Stop()
			}
			return Item{}, ErrClosed
		case <-wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// Contains reports whether the item is still waiting.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Len returns the number of waiting items for platform.
func (q *Queue) Len(p domain.Platform) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b := q.buckets[p]; b != nil {
		return len(b.h)
	}
	return 0
}

// Close wakes every claimer with ErrClosed and rejects further enqueues.
// Waiting items are dropped; their deliveries stay pending in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if !h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].DueAt.Before(h[j].DueAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

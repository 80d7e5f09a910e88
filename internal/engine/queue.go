package engine

import (
	"container/heap"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// ScheduleEntry is a pending wake-up: the profile that needs attention and
// when. Entries live only inside the WakeQueue.
type ScheduleEntry struct {
	ProfileID string
	WakeAt    time.Time
}

// WakeQueue is a binary min-heap of schedule entries keyed by wake time, with
// at most one entry per profile. It is the sole source of truth for "what
// happens next"; the scheduler never scans all profiles. All operations are
// O(log n). The queue is not safe for concurrent use — only the scheduler
// goroutine touches it.
type WakeQueue struct {
	h wakeHeap
}

// NewWakeQueue returns an empty queue.
func NewWakeQueue() *WakeQueue {
	return &WakeQueue{h: wakeHeap{index: make(map[string]int)}}
}

// Len returns the number of pending entries.
func (q *WakeQueue) Len() int { return len(q.h.entries) }

// Push adds an entry for the profile. If the profile already has an entry it
// is replaced (equivalent to Reschedule).
func (q *WakeQueue) Push(profileID string, wakeAt time.Time) {
	if i, ok := q.h.index[profileID]; ok {
		q.h.entries[i].WakeAt = wakeAt
		heap.Fix(&q.h, i)
		return
	}
	heap.Push(&q.h, ScheduleEntry{ProfileID: profileID, WakeAt: wakeAt})
}

// PopMin removes and returns the earliest entry. It returns
// domain.ErrQueueEmpty when there is nothing pending.
func (q *WakeQueue) PopMin() (ScheduleEntry, error) {
	if len(q.h.entries) == 0 {
		return ScheduleEntry{}, domain.ErrQueueEmpty
	}
	e := heap.Pop(&q.h).(ScheduleEntry)
	return e, nil
}

// Peek returns the earliest entry without removing it.
func (q *WakeQueue) Peek() (ScheduleEntry, bool) {
	if len(q.h.entries) == 0 {
		return ScheduleEntry{}, false
	}
	return q.h.entries[0], true
}

// Reschedule moves the profile's entry to the new wake time, creating the
// entry if the profile has none.
func (q *WakeQueue) Reschedule(profileID string, wakeAt time.Time) {
	q.Push(profileID, wakeAt)
}

// Remove drops the profile's entry, if present. It reports whether an entry
// was removed.
func (q *WakeQueue) Remove(profileID string) bool {
	i, ok := q.h.index[profileID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, i)
	return true
}

// wakeHeap implements heap.Interface with a position index so Reschedule and
// Remove stay O(log n).
type wakeHeap struct {
	entries []ScheduleEntry
	index   map[string]int
}

func (h wakeHeap) Len() int { return len(h.entries) }

func (h wakeHeap) Less(i, j int) bool {
	return h.entries[i].WakeAt.Before(h.entries[j].WakeAt)
}

func (h wakeHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.index[h.entries[i].ProfileID] = i
	h.index[h.entries[j].ProfileID] = j
}

func (h *wakeHeap) Push(x any) {
	e := x.(ScheduleEntry)
	h.index[e.ProfileID] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *wakeHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	delete(h.index, e.ProfileID)
	return e
}

package project

import (
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// workQueue is the bounded per-runtime event queue. When full, the oldest
// queued event that is not a conversation reply is dropped with a warning;
// replies are never dropped, so a reply-only backlog may exceed the bound.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*nostr.Event
	bound  int
	closed bool
	log    *slog.Logger
}

func newWorkQueue(bound int, log *slog.Logger) *workQueue {
	q := &workQueue{bound: bound, log: log}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an event, applying the overflow policy. Returns false after
// Close.
func (q *workQueue) Push(ev *nostr.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.bound {
		if i := q.oldestDroppableLocked(); i >= 0 {
			dropped := q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.log.Warn("work queue full, dropping oldest event",
				"dropped", shortID(dropped.ID), "kind", dropped.Kind, "bound", q.bound)
		} else if ev.Kind != protocol.KindConversationReply {
			q.log.Warn("work queue full of replies, dropping incoming event",
				"event", shortID(ev.ID), "kind", ev.Kind)
			return true
		}
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

func (q *workQueue) oldestDroppableLocked() int {
	for i, ev := range q.items {
		if ev.Kind != protocol.KindConversationReply {
			return i
		}
	}
	return -1
}

// Pop blocks until an event is available or the queue is closed.
func (q *workQueue) Pop() (*nostr.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *workQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

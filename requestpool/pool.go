// pool.go implements a fixed arena of Requests linked into queues by index.

// Package requestpool implements the fixed-size pool of requests that
// carry image buffers through pre-roll, post-roll and the accelerator.
//
// The pool is not safe for concurrent use: the owner serializes every call.
package requestpool

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/internal"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/types"
)

type queue struct {
	head   ID
	tail   ID
	length int
}

type Pool struct {
	nodes      []Request
	queues     [EndOfQueueID]queue
	bufferPool buffer.Pool
}

// New allocates capacity requests, all of them in QueueIDFree. Buffers
// owned by released requests are returned to bufferPool.
func New(capacity int, bufferPool buffer.Pool) *Pool {
	p := &Pool{
		nodes:      make([]Request, capacity),
		bufferPool: bufferPool,
	}
	for q := range p.queues {
		p.queues[q] = queue{head: idNone, tail: idNone}
	}
	for idx := range p.nodes {
		n := &p.nodes[idx]
		n.ID = ID(idx)
		n.queueID = QueueIDNone
		n.prev, n.next = idNone, idNone
		p.pushBack(QueueIDFree, n)
	}
	return p
}

func (p *Pool) Capacity() int {
	return len(p.nodes)
}

func (p *Pool) Get(id ID) *Request {
	if id < 0 || int(id) >= len(p.nodes) {
		return nil
	}
	return &p.nodes[id]
}

func (p *Pool) isOwn(n *Request) bool {
	return n != nil && p.Get(n.ID) == n
}

// Acquire takes a request from the free queue. It never blocks.
func (p *Pool) Acquire() (*Request, error) {
	n := p.PopFront(QueueIDFree)
	if n == nil {
		return nil, types.ErrPoolExhausted{Capacity: len(p.nodes)}
	}
	return n, nil
}

// Release returns the request to the free queue, releasing the buffer
// and the metadata it owns. Releasing an already free request is a no-op.
func (p *Pool) Release(ctx context.Context, n *Request) {
	if !internal.Assert(ctx, p.isOwn(n), "releasing a foreign request", n) {
		return
	}
	if n.queueID == QueueIDFree {
		logger.Tracef(ctx, "request %d is already free", n.ID)
		return
	}
	internal.Assert(ctx, !n.OwnedByAccelerator, "releasing a request owned by the accelerator", n)
	p.unlink(n)
	if !n.Buffer.IsNil() && p.bufferPool != nil {
		if err := p.bufferPool.Release(ctx, n.Buffer); err != nil {
			logger.Errorf(ctx, "unable to release buffer %d of request %d: %v", n.Buffer, n.ID, err)
		}
	}
	n.OutputMetadata.Release(ctx)
	n.PartialMetadata.Release(ctx)
	n.reset()
	p.pushBack(QueueIDFree, n)
}

// ReleaseAll releases every request of the queue.
func (p *Pool) ReleaseAll(ctx context.Context, q QueueID) int {
	count := 0
	for {
		n := p.Front(q)
		if n == nil {
			return count
		}
		n.OwnedByAccelerator = false
		p.Release(ctx, n)
		count++
	}
}

// PushBack moves the request to the tail of the queue.
func (p *Pool) PushBack(q QueueID, n *Request) {
	p.unlink(n)
	p.pushBack(q, n)
}

// PushFront moves the request to the head of the queue.
func (p *Pool) PushFront(q QueueID, n *Request) {
	p.unlink(n)
	p.pushFront(q, n)
}

// PopFront detaches the head of the queue; nil if the queue is empty.
func (p *Pool) PopFront(q QueueID) *Request {
	n := p.Front(q)
	if n == nil {
		return nil
	}
	p.unlink(n)
	return n
}

func (p *Pool) Front(q QueueID) *Request {
	return p.Get(p.queues[q].head)
}

func (p *Pool) Back(q QueueID) *Request {
	return p.Get(p.queues[q].tail)
}

// Remove detaches the request from whatever queue holds it.
func (p *Pool) Remove(n *Request) {
	p.unlink(n)
}

// MoveAll moves every request of "from" to the tail of "to", keeping the
// order.
func (p *Pool) MoveAll(from, to QueueID) int {
	count := 0
	for n := p.PopFront(from); n != nil; n = p.PopFront(from) {
		p.pushBack(to, n)
		count++
	}
	return count
}

// FindByID scans the queue for the request with the given id.
func (p *Pool) FindByID(q QueueID, id ID) *Request {
	for n := p.Front(q); n != nil; n = p.Get(n.next) {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (p *Pool) Len(q QueueID) int {
	return p.queues[q].length
}

// Each calls fn for every request of the queue from head to tail until fn
// returns false. fn must not modify the queue.
func (p *Pool) Each(q QueueID, fn func(*Request) bool) {
	for n := p.Front(q); n != nil; n = p.Get(n.next) {
		if !fn(n) {
			return
		}
	}
}

// Held returns the amount of requests that are in no queue.
func (p *Pool) Held() int {
	count := 0
	for idx := range p.nodes {
		if p.nodes[idx].queueID == QueueIDNone {
			count++
		}
	}
	return count
}

// Sizes returns the length of every queue.
func (p *Pool) Sizes() map[QueueID]int {
	result := map[QueueID]int{}
	for _, q := range QueueIDs() {
		result[q] = p.queues[q].length
	}
	return result
}

// CheckConservation verifies that every request is linked into exactly
// one queue (or held) and that the queue lengths add up to the capacity.
func (p *Pool) CheckConservation() error {
	seen := make([]QueueID, len(p.nodes))
	total := 0
	for _, q := range QueueIDs() {
		count := 0
		prev := idNone
		for id := p.queues[q].head; id != idNone; id = p.nodes[id].next {
			if seen[id] != QueueIDNone {
				return fmt.Errorf("request %d is in both %s and %s", id, seen[id], q)
			}
			seen[id] = q
			n := &p.nodes[id]
			if n.queueID != q {
				return fmt.Errorf("request %d is linked into %s, but thinks it is in %s", id, q, n.queueID)
			}
			if n.prev != prev {
				return fmt.Errorf("request %d in %s has a broken back link", id, q)
			}
			prev = id
			count++
			if count > len(p.nodes) {
				return fmt.Errorf("queue %s has a cycle", q)
			}
		}
		if prev != p.queues[q].tail {
			return fmt.Errorf("queue %s has a broken tail", q)
		}
		if count != p.queues[q].length {
			return fmt.Errorf("queue %s has length %d, but %d elements", q, p.queues[q].length, count)
		}
		total += count
	}
	held := p.Held()
	if total+held != len(p.nodes) {
		return fmt.Errorf("%d queued + %d held != capacity %d", total, held, len(p.nodes))
	}
	return nil
}

func (p *Pool) pushBack(q QueueID, n *Request) {
	l := &p.queues[q]
	n.queueID = q
	n.next = idNone
	n.prev = l.tail
	if l.tail != idNone {
		p.nodes[l.tail].next = n.ID
	} else {
		l.head = n.ID
	}
	l.tail = n.ID
	l.length++
}

func (p *Pool) pushFront(q QueueID, n *Request) {
	l := &p.queues[q]
	n.queueID = q
	n.prev = idNone
	n.next = l.head
	if l.head != idNone {
		p.nodes[l.head].prev = n.ID
	} else {
		l.tail = n.ID
	}
	l.head = n.ID
	l.length++
}

func (p *Pool) unlink(n *Request) {
	if n.queueID == QueueIDNone {
		return
	}
	l := &p.queues[n.queueID]
	if n.prev != idNone {
		p.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != idNone {
		p.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	l.length--
	n.prev, n.next = idNone, idNone
	n.queueID = QueueIDNone
}

// Package requestqueue buffers client requests until the proposer drains them
// into proposals. Requests are deduplicated by the highest nonce seen per
// client, both against the queue and against the committed log, so a
// retransmission never reaches the proposer twice.
package requestqueue

import (
	"container/list"
	"fmt"
	"slices"
	"sync"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/security/commitlog"
)

type requestKey struct {
	client nbft.ClientID
	nonce  uint64
}

// Queue holds the pending client requests of a replica. Add may be called
// from any goroutine; the remaining methods run on the event loop.
type Queue struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger

	mut     sync.Mutex
	pending list.List // nbft.Request in arrival order
	// requests handed to the proposer that have not committed yet
	inflight map[requestKey]nbft.Request
	// highest committed nonce per client
	committed map[nbft.ClientID]uint64
	// highest nonce accepted into the queue per client
	queued map[nbft.ClientID]uint64
}

// New creates a new Queue, restoring the per-client dedup watermark from the
// committed log so a retransmission of an already committed request is still
// recognized after a restart. Commits advance the watermark, and a view
// change reclaims requests the failed view left uncommitted.
func New(eventLoop *eventloop.EventLoop, logger logging.Logger, commitLog *commitlog.Log) (*Queue, error) {
	q := &Queue{
		eventLoop: eventLoop,
		logger:    logger,

		inflight:  make(map[requestKey]nbft.Request),
		committed: make(map[nbft.ClientID]uint64),
		queued:    make(map[nbft.ClientID]uint64),
	}
	err := commitLog.Scan(1, func(entry nbft.LogEntry) error {
		if entry.Request.IsNoop() {
			return nil
		}
		client, nonce := entry.Request.Client(), entry.Request.Nonce()
		if nonce > q.committed[client] {
			q.committed[client] = nonce
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore dedup watermarks: %w", err)
	}
	eventloop.Register(eventLoop, func(event nbft.CommitEvent) {
		q.onCommit(event.Entry)
	})
	eventloop.Register(eventLoop, func(event nbft.ViewChangeEvent) {
		q.onViewChange()
	})
	return q, nil
}

// Add queues a request. It reports whether the request is new; a nonce at or
// below the client's queued or committed watermark is a retransmission and is
// not queued again.
func (q *Queue) Add(request nbft.Request) bool {
	client, nonce := request.Client(), request.Nonce()

	q.mut.Lock()
	if nonce <= q.committed[client] || nonce <= q.queued[client] {
		q.mut.Unlock()
		return false
	}
	q.queued[client] = nonce
	q.pending.PushBack(request)
	q.mut.Unlock()

	// wake the proposer
	q.eventLoop.AddEvent(nbft.BatchReadyEvent{})
	return true
}

// NextBatch removes and returns up to max pending requests. Requests whose
// nonce fell behind the client's committed watermark while queued are
// discarded along the way.
func (q *Queue) NextBatch(max uint32) []nbft.Request {
	q.mut.Lock()
	defer q.mut.Unlock()

	var batch []nbft.Request
	for uint32(len(batch)) < max {
		front := q.pending.Front()
		if front == nil {
			break
		}
		q.pending.Remove(front)
		request := front.Value.(nbft.Request)
		if request.Nonce() <= q.committed[request.Client()] {
			// committed through another proposal while it sat in the queue
			continue
		}
		q.inflight[requestKey{request.Client(), request.Nonce()}] = request
		batch = append(batch, request)
	}
	return batch
}

// HasPending reports whether the replica knows of requests that have not
// committed yet, either queued or handed to a proposer.
func (q *Queue) HasPending() bool {
	q.mut.Lock()
	defer q.mut.Unlock()

	// drop stale requests from the front so an empty queue reports empty
	for {
		front := q.pending.Front()
		if front == nil {
			break
		}
		request := front.Value.(nbft.Request)
		if request.Nonce() > q.committed[request.Client()] {
			return true
		}
		q.pending.Remove(front)
	}
	return len(q.inflight) > 0
}

// Len returns the number of queued requests, stale entries included.
func (q *Queue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.pending.Len()
}

func (q *Queue) onCommit(entry nbft.LogEntry) {
	if entry.Request.IsNoop() {
		return
	}
	client, nonce := entry.Request.Client(), entry.Request.Nonce()

	q.mut.Lock()
	defer q.mut.Unlock()
	if nonce > q.committed[client] {
		q.committed[client] = nonce
	}
	delete(q.inflight, requestKey{client, nonce})
}

// onViewChange returns uncommitted inflight requests to the queue. The new
// view may still commit some of them through re-proposals; the committed
// watermark catches those before they are proposed a second time.
func (q *Queue) onViewChange() {
	q.mut.Lock()
	reclaimed := make([]nbft.Request, 0, len(q.inflight))
	for key, request := range q.inflight {
		if key.nonce > q.committed[key.client] {
			reclaimed = append(reclaimed, request)
		}
	}
	q.inflight = make(map[requestKey]nbft.Request)
	// map order is random; sort so every run proposes in the same order
	slices.SortFunc(reclaimed, func(a, b nbft.Request) int {
		if a.Client() != b.Client() {
			return int(a.Client()) - int(b.Client())
		}
		switch {
		case a.Nonce() < b.Nonce():
			return -1
		case a.Nonce() > b.Nonce():
			return 1
		}
		return 0
	})
	// reclaimed requests are older than anything queued, so they go first
	for i := len(reclaimed) - 1; i >= 0; i-- {
		q.pending.PushFront(reclaimed[i])
	}
	count := len(reclaimed)
	q.mut.Unlock()

	if count > 0 {
		q.logger.Infof("reclaimed %d requests from the failed view", count)
		q.eventLoop.AddEvent(nbft.BatchReadyEvent{})
	}
}

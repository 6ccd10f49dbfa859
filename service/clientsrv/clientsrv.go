// Package clientsrv is the client-facing surface of a replica. Fresh requests
// are queued for the proposer and answered when they commit; retransmissions
// of committed requests are answered from a reply cache without executing
// again; clients of a backup are redirected to the leader.
package clientsrv

import (
	"context"
	"fmt"
	"sync"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/viewmanager"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/service/requestqueue"
)

// Status classifies the outcome of a Submit call.
type Status int

const (
	// StatusAccepted means the request committed and the reply is fresh.
	StatusAccepted Status = iota
	// StatusDuplicate means the request had already committed and the reply
	// comes from the cache.
	StatusDuplicate
	// StatusNotLeader means another replica leads; the request was not queued.
	StatusNotLeader
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	case StatusNotLeader:
		return "not leader"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Reply acknowledges a committed request with its position in the log and the
// state digest after executing it.
type Reply struct {
	Client      nbft.ClientID
	Nonce       uint64
	Seq         nbft.Sequence
	StateDigest nbft.Hash
}

// Result is the outcome of a Submit call. Leader is set for StatusNotLeader;
// Reply is set for StatusAccepted and StatusDuplicate.
type Result struct {
	Status Status
	Leader nbft.ID
	Reply  Reply
}

type requestKey struct {
	client nbft.ClientID
	nonce  uint64
}

// Server accepts client requests and delivers replies when they commit.
// Submit may be called from any goroutine.
type Server struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	views *viewmanager.ViewManager
	queue *requestqueue.Queue

	mut sync.Mutex
	// last reply per client; a client retransmits at most its latest request
	replies map[nbft.ClientID]Reply
	waiters map[requestKey][]chan Reply
}

// New creates a new Server. The reply cache is restored from the committed
// log so a retransmission of a request committed before a restart is answered
// from the cache instead of committing again.
func New(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// protocol dependencies
	views *viewmanager.ViewManager,

	// service dependencies
	queue *requestqueue.Queue,
	commitLog *commitlog.Log,
) (*Server, error) {
	srv := &Server{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		views:     views,
		queue:     queue,

		replies: make(map[nbft.ClientID]Reply),
		waiters: make(map[requestKey][]chan Reply),
	}
	// no waiters exist yet, so this only fills the reply cache
	err := commitLog.Scan(1, func(entry nbft.LogEntry) error {
		srv.onCommit(entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore the reply cache: %w", err)
	}
	eventloop.Register(eventLoop, func(event nbft.CommitEvent) {
		srv.onCommit(event.Entry)
	})
	return srv, nil
}

// Submit hands a request to the replica and blocks until it commits or the
// context ends. A duplicate of a committed request returns the cached reply
// immediately; when another replica leads, the result names it and the
// request is not queued.
func (srv *Server) Submit(ctx context.Context, request nbft.Request) (Result, error) {
	if request.Client() == 0 {
		return Result{}, fmt.Errorf("request carries no client id")
	}

	if leader := srv.views.Leader(); leader != srv.config.ID() {
		return Result{Status: StatusNotLeader, Leader: leader}, nil
	}

	key := requestKey{request.Client(), request.Nonce()}
	srv.mut.Lock()
	if reply, ok := srv.replies[request.Client()]; ok && request.Nonce() <= reply.Nonce {
		srv.mut.Unlock()
		return Result{Status: StatusDuplicate, Reply: reply}, nil
	}
	done := make(chan Reply, 1)
	srv.waiters[key] = append(srv.waiters[key], done)
	srv.mut.Unlock()

	// a false return means an earlier submission of the request is still in
	// flight; this call joins the wait for it
	if srv.queue.Add(request) {
		srv.logger.Debugf("queued %s", request)
	}

	select {
	case reply := <-done:
		return Result{Status: StatusAccepted, Reply: reply}, nil
	case <-ctx.Done():
		srv.abandon(key, done)
		return Result{}, ctx.Err()
	}
}

// abandon removes a waiter that gave up.
func (srv *Server) abandon(key requestKey, done chan Reply) {
	srv.mut.Lock()
	defer srv.mut.Unlock()
	waiting := srv.waiters[key]
	for i, ch := range waiting {
		if ch == done {
			srv.waiters[key] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(srv.waiters[key]) == 0 {
		delete(srv.waiters, key)
	}
}

// onCommit caches the reply and wakes every waiter for the request.
func (srv *Server) onCommit(entry nbft.LogEntry) {
	if entry.Request.IsNoop() {
		return
	}
	reply := Reply{
		Client:      entry.Request.Client(),
		Nonce:       entry.Request.Nonce(),
		Seq:         entry.Seq,
		StateDigest: entry.StateDigest,
	}

	srv.mut.Lock()
	defer srv.mut.Unlock()
	if cached, ok := srv.replies[reply.Client]; !ok || reply.Nonce >= cached.Nonce {
		srv.replies[reply.Client] = reply
	}
	key := requestKey{reply.Client, reply.Nonce}
	for _, done := range srv.waiters[key] {
		done <- reply
	}
	delete(srv.waiters, key)
}

// CachedReply returns the last reply sent to the client.
func (srv *Server) CachedReply(client nbft.ClientID) (Reply, bool) {
	srv.mut.Lock()
	defer srv.mut.Unlock()
	reply, ok := srv.replies[client]
	return reply, ok
}

package wiring

import (
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/viewmanager"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/service/clientsrv"
	"github.com/radman021/nbft/service/requestqueue"
)

type Service struct {
	queue    *requestqueue.Queue
	server   *clientsrv.Server
	listener *clientsrv.Listener
}

// NewService returns the set of dependencies serving clients: the request
// queue, the client server matching commits to waiting submissions, and the
// network listener in front of it. The queue is passed in because the
// protocol dependencies already needed it.
func NewService(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// protocol dependencies
	views *viewmanager.ViewManager,

	// service dependencies
	queue *requestqueue.Queue,
	commitLog *commitlog.Log,
) (*Service, error) {
	server, err := clientsrv.New(
		eventLoop,
		logger,
		config,
		views,
		queue,
		commitLog,
	)
	if err != nil {
		return nil, err
	}
	return &Service{
		queue:    queue,
		server:   server,
		listener: clientsrv.NewListener(server),
	}, nil
}

// Queue returns the request queue.
func (s *Service) Queue() *requestqueue.Queue {
	return s.queue
}

// Server returns the client server.
func (s *Service) Server() *clientsrv.Server {
	return s.server
}

// Listener returns the client network listener.
func (s *Service) Listener() *clientsrv.Listener {
	return s.listener
}

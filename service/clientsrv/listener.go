package clientsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/sync/errgroup"

	"github.com/radman021/nbft/network/wire"
)

// submitTimeout bounds how long a network submission may wait for its commit.
const submitTimeout = time.Minute

// Listener serves Submit over a ROUTER socket. Clients connect with DEALER
// sockets and exchange JSON request and reply frames; every request gets a
// reply, malformed ones included, so a waiting client is never stranded.
type Listener struct {
	srv *Server

	sendMut sync.Mutex // the router socket is shared by the reply goroutines
	router  zmq4.Socket
	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// NewListener creates a new Listener serving the given server. It does not
// touch the network until Start.
func NewListener(srv *Server) *Listener {
	return &Listener{srv: srv}
}

// Start binds the client endpoint and serves requests until Stop.
func (l *Listener) Start(ctx context.Context, address string) error {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.router = zmq4.NewRouter(l.ctx, zmq4.WithID(zmq4.SocketIdentity(fmt.Sprintf("clientsrv-%d", l.srv.config.ID()))))
	if err := l.router.Listen(address); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	var egCtx context.Context
	l.eg, egCtx = errgroup.WithContext(l.ctx)
	l.eg.Go(func() error {
		return l.receive(egCtx)
	})
	l.srv.logger.Infof("serving clients on %s", address)
	return nil
}

// Stop closes the client endpoint and waits for the serve loop.
func (l *Listener) Stop() {
	l.cancel()
	if err := l.router.Close(); err != nil {
		l.srv.logger.Debugf("failed to close client endpoint: %v", err)
	}
	_ = l.eg.Wait()
}

func (l *Listener) receive(ctx context.Context) error {
	for {
		msg, err := l.router.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.srv.logger.Debugf("client receive failed: %v", err)
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		// the router prepends the client identity frame; the payload is last
		identity := msg.Frames[0]
		payload := msg.Frames[len(msg.Frames)-1]
		go l.serve(identity, payload)
	}
}

func (l *Listener) serve(identity, payload []byte) {
	var wireRequest wire.Request
	if err := json.Unmarshal(payload, &wireRequest); err != nil {
		l.srv.logger.Debugf("dropping malformed client request: %v", err)
		l.reply(identity, wire.ClientReply{Status: wire.StatusError, Error: "malformed request"})
		return
	}
	request := wire.RequestFromWire(wireRequest)

	ctx, cancel := context.WithTimeout(l.ctx, submitTimeout)
	defer cancel()
	result, err := l.srv.Submit(ctx, request)
	if err != nil {
		l.reply(identity, wire.ClientReply{
			Status: wire.StatusError,
			Client: wireRequest.Client,
			Nonce:  wireRequest.Nonce,
			Error:  err.Error(),
		})
		return
	}

	switch result.Status {
	case StatusAccepted:
		l.reply(identity, committedReply(wire.StatusCommitted, result.Reply))
	case StatusDuplicate:
		l.reply(identity, committedReply(wire.StatusDuplicate, result.Reply))
	case StatusNotLeader:
		// echo the request identity so the client can resubmit to the leader
		l.reply(identity, wire.ClientReply{
			Status: wire.StatusNotLeader,
			Leader: uint32(result.Leader),
			Client: wireRequest.Client,
			Nonce:  wireRequest.Nonce,
		})
	}
}

func committedReply(status string, reply Reply) wire.ClientReply {
	return wire.ClientReply{
		Status:      status,
		Client:      uint32(reply.Client),
		Nonce:       reply.Nonce,
		Seq:         uint64(reply.Seq),
		StateDigest: reply.StateDigest[:],
	}
}

func (l *Listener) reply(identity []byte, reply wire.ClientReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		l.srv.logger.Errorf("failed to marshal client reply: %v", err)
		return
	}
	l.sendMut.Lock()
	defer l.sendMut.Unlock()
	if err := l.router.Send(zmq4.NewMsgFrom(identity, data)); err != nil {
		l.srv.logger.Debugf("failed to reply to a client: %v", err)
	}
}

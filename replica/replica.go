// Package replica assembles the components of a consensus replica and manages
// their lifecycle.
package replica

import (
	"context"

	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/network/zmqnet"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/statesync"
	"github.com/radman021/nbft/protocol/viewmanager"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/service/clientsrv"
	"github.com/radman021/nbft/service/requestqueue"
	"github.com/radman021/nbft/wiring"
)

// Replica is a participant in the consensus protocol.
type Replica struct {
	eventLoop *eventloop.EventLoop
	transport *zmqnet.Transport
	listener  *clientsrv.Listener
	views     *viewmanager.ViewManager
	stateSync *statesync.StateSync

	clientAddress string

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a replica from the core and security dependency sets. The
// remaining dependency sets are constructed here, in dependency order: the
// request queue first, then the protocol around it, then the client service
// on top of both.
func New(
	depsCore *wiring.Core,
	depsSecure *wiring.Security,
	transport *zmqnet.Transport,
	leaders leaderrotation.LeaderRotation,
	duration viewduration.ViewDuration,
	clientAddress string,
) (*Replica, error) {
	queue, err := requestqueue.New(depsCore.EventLoop(), depsCore.Logger(), depsSecure.CommitLog())
	if err != nil {
		return nil, err
	}
	depsProtocol := wiring.NewProtocol(
		depsCore.EventLoop(),
		depsCore.Logger(),
		depsCore.RuntimeCfg(),
		depsSecure.Authority(),
		depsSecure.CommitLog(),
		leaders,
		duration,
		queue,
		transport,
	)
	depsService, err := wiring.NewService(
		depsCore.EventLoop(),
		depsCore.Logger(),
		depsCore.RuntimeCfg(),
		depsProtocol.ViewManager(),
		queue,
		depsSecure.CommitLog(),
	)
	if err != nil {
		return nil, err
	}
	return &Replica{
		eventLoop: depsCore.EventLoop(),
		transport: transport,
		listener:  depsService.Listener(),
		views:     depsProtocol.ViewManager(),
		stateSync: depsProtocol.StateSync(),

		clientAddress: clientAddress,

		cancel: func() {},
		done:   make(chan struct{}),
	}, nil
}

// Start brings up the transport and the client listener, then runs the
// replica in a goroutine.
func (r *Replica) Start() error {
	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())
	if err := r.transport.Start(ctx); err != nil {
		r.cancel()
		return err
	}
	if err := r.listener.Start(ctx, r.clientAddress); err != nil {
		r.transport.Stop()
		r.cancel()
		return err
	}
	go func() {
		r.Run(ctx)
		close(r.done)
	}()
	return nil
}

// Stop stops the replica and closes connections.
func (r *Replica) Stop() {
	r.cancel()
	<-r.done
	r.Close()
}

// Run runs the replica until the context is canceled. State sync probes for
// entries committed while this replica was down before the first view timer
// is armed.
func (r *Replica) Run(ctx context.Context) {
	r.stateSync.Start()
	r.views.Start(ctx)
	r.eventLoop.Run(ctx)
}

// Close closes the connections and sockets used by the replica.
func (r *Replica) Close() {
	r.listener.Stop()
	r.transport.Stop()
}

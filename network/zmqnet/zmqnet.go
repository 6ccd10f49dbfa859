// Package zmqnet provides the ZeroMQ transport. Every replica binds one
// ROUTER socket and keeps one DEALER per peer; messages are JSON envelopes
// around the wire forms of the protocol messages. Received messages pass a
// replay cache and are injected into the event loop.
//
// Proposals are disseminated either directly to every peer or, when grouped
// dissemination is enabled, to one representative per group, which relays
// within its group.
package zmqnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/sync/errgroup"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/cluster"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
)

// replayTolerance is how long a message nonce is remembered and how old a
// message may be before it is rejected.
const replayTolerance = time.Minute

// Transport is the ZeroMQ implementation of core.Sender.
type Transport struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	mut     sync.Mutex
	dealers map[nbft.ID]zmq4.Socket
	router  zmq4.Socket
	replay  *replayCache

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New returns a transport for the replica described by the configuration.
// The transport does not touch the network until Start is called.
func New(eventLoop *eventloop.EventLoop, logger logging.Logger, config *core.RuntimeConfig) *Transport {
	return &Transport{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		dealers:   make(map[nbft.ID]zmq4.Socket),
		replay:    newReplayCache(replayTolerance),
	}
}

// Start binds the listening socket and starts the receiver. Peer connections
// are dialed lazily on first send and redialed after send failures.
func (t *Transport) Start(ctx context.Context) error {
	info, ok := t.config.ReplicaInfo(t.config.ID())
	if !ok {
		return fmt.Errorf("zmqnet: replica %d missing from the configuration", t.config.ID())
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.router = zmq4.NewRouter(t.ctx, socketID(t.config.ID()))
	if err := t.router.Listen(info.Address); err != nil {
		t.cancel()
		return fmt.Errorf("zmqnet: failed to listen on %s: %w", info.Address, err)
	}
	eg, egCtx := errgroup.WithContext(t.ctx)
	t.eg = eg
	eg.Go(func() error {
		return t.receive(egCtx)
	})
	eg.Go(func() error {
		t.cleanReplay(egCtx)
		return nil
	})
	t.logger.Infof("listening on %s", info.Address)
	return nil
}

// Stop closes the sockets and waits for the receiver to finish.
func (t *Transport) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	if t.router != nil {
		if err := t.router.Close(); err != nil {
			t.logger.Debugf("closing router: %v", err)
		}
	}
	t.mut.Lock()
	for _, dealer := range t.dealers {
		if err := dealer.Close(); err != nil {
			t.logger.Debugf("closing dealer: %v", err)
		}
	}
	t.dealers = make(map[nbft.ID]zmq4.Socket)
	t.mut.Unlock()
	_ = t.eg.Wait()
}

func socketID(id nbft.ID) zmq4.Option {
	return zmq4.WithID(zmq4.SocketIdentity(fmt.Sprintf("replica-%d", id)))
}

func (t *Transport) receive(ctx context.Context) error {
	for {
		msg, err := t.router.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			t.logger.Debugf("receive failed: %v", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}
		// a router prepends the sender identity frame; the payload is last
		t.dispatch(msg.Frames[len(msg.Frames)-1])
	}
}

func (t *Transport) dispatch(data []byte) {
	env, event, err := decodeEnvelope(data)
	if err != nil {
		t.logger.Debugf("dropping message: %v", err)
		return
	}
	if !t.replay.admit(env.Nonce, env.Timestamp) {
		t.logger.Debugf("dropping replayed or stale message from replica %d", env.From)
		return
	}
	if proposal, ok := event.(nbft.ProposeMsg); ok {
		t.relay(proposal)
	}
	t.eventLoop.AddEvent(event)
}

func (t *Transport) cleanReplay(ctx context.Context) {
	ticker := time.NewTicker(replayTolerance / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.replay.clean(now)
		}
	}
}

// Propose disseminates a proposal. With grouped dissemination each group's
// representative receives it and relays it within the group; otherwise it
// goes to every peer directly.
func (t *Transport) Propose(proposal nbft.ProposeMsg) {
	count := t.config.GroupCount()
	if count == 0 {
		t.broadcast(proposal)
		return
	}
	data, err := encodeEnvelope(t.config.ID(), proposal)
	if err != nil {
		t.logger.Errorf("failed to encode proposal: %v", err)
		return
	}
	groups := cluster.Groups(proposal.View, t.memberIDs(), count)
	for i, group := range groups {
		rep := cluster.Representative(proposal.View, group, i)
		if rep == t.config.ID() {
			// this replica will not relay to itself, so its own group gets
			// the proposal directly
			for _, id := range group {
				if id != t.config.ID() {
					t.sendBytes(id, data)
				}
			}
			continue
		}
		t.sendBytes(rep, data)
	}
}

// relay forwards a received proposal within this replica's group when it is
// the group's representative.
func (t *Transport) relay(proposal nbft.ProposeMsg) {
	count := t.config.GroupCount()
	if count == 0 {
		return
	}
	groups := cluster.Groups(proposal.View, t.memberIDs(), count)
	index, group, ok := cluster.GroupOf(groups, t.config.ID())
	if !ok || cluster.Representative(proposal.View, group, index) != t.config.ID() {
		return
	}
	data, err := encodeEnvelope(t.config.ID(), proposal)
	if err != nil {
		t.logger.Errorf("failed to encode proposal: %v", err)
		return
	}
	for _, id := range group {
		if id == t.config.ID() || id == proposal.ID {
			continue
		}
		t.sendBytes(id, data)
	}
}

// Vote broadcasts a vote to the replicas.
func (t *Transport) Vote(msg nbft.VoteMsg) {
	t.broadcast(msg)
}

// ViewChange broadcasts a view change message to the replicas.
func (t *Transport) ViewChange(msg nbft.ViewChangeMsg) {
	t.broadcast(msg)
}

// NewView broadcasts a new view message to the replicas.
func (t *Transport) NewView(msg nbft.NewViewMsg) {
	t.broadcast(msg)
}

// Checkpoint broadcasts a checkpoint vote to the replicas.
func (t *Transport) Checkpoint(msg nbft.CheckpointMsg) {
	t.broadcast(msg)
}

// FetchEntries asks a replica for committed log entries.
func (t *Transport) FetchEntries(id nbft.ID, msg nbft.FetchEntriesMsg) error {
	data, err := encodeEnvelope(t.config.ID(), msg)
	if err != nil {
		return err
	}
	return t.sendBytes(id, data)
}

// Entries answers a fetch with committed log entries.
func (t *Transport) Entries(id nbft.ID, msg nbft.EntriesMsg) error {
	data, err := encodeEnvelope(t.config.ID(), msg)
	if err != nil {
		return err
	}
	return t.sendBytes(id, data)
}

func (t *Transport) broadcast(msg any) {
	data, err := encodeEnvelope(t.config.ID(), msg)
	if err != nil {
		t.logger.Errorf("failed to encode message: %v", err)
		return
	}
	for id := range t.config.Replicas() {
		if id == t.config.ID() {
			continue
		}
		if err := t.sendBytes(id, data); err != nil {
			t.logger.Debugf("send to replica %d failed: %v", id, err)
		}
	}
}

func (t *Transport) sendBytes(id nbft.ID, data []byte) error {
	dealer, err := t.dealer(id)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		// drop the connection so the next send redials
		t.dropDealer(id)
		return err
	}
	return nil
}

func (t *Transport) dealer(id nbft.ID) (zmq4.Socket, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if dealer, ok := t.dealers[id]; ok {
		return dealer, nil
	}
	if t.ctx == nil {
		return nil, fmt.Errorf("zmqnet: transport not started")
	}
	info, ok := t.config.ReplicaInfo(id)
	if !ok {
		return nil, fmt.Errorf("zmqnet: unknown replica %d", id)
	}
	dealer := zmq4.NewDealer(t.ctx, socketID(t.config.ID()))
	if err := dealer.Dial(info.Address); err != nil {
		return nil, fmt.Errorf("zmqnet: failed to dial replica %d at %s: %w", id, info.Address, err)
	}
	t.dealers[id] = dealer
	return dealer, nil
}

func (t *Transport) dropDealer(id nbft.ID) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if dealer, ok := t.dealers[id]; ok {
		if err := dealer.Close(); err != nil {
			t.logger.Debugf("closing dealer: %v", err)
		}
		delete(t.dealers, id)
	}
}

func (t *Transport) memberIDs() []nbft.ID {
	ids := make([]nbft.ID, 0, t.config.ReplicaCount())
	for id := range t.config.Replicas() {
		ids = append(ids, id)
	}
	return ids
}

var _ core.Sender = (*Transport)(nil)

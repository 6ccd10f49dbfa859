package testutil

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
)

// NewIDSet creates an IDSet containing the specified ids.
func NewIDSet(ids ...nbft.ID) nbft.IDSet {
	s := nbft.NewIDSet()
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

type pendingMessage struct {
	message  any
	sender   nbft.ID
	receiver nbft.ID
}

func (pm pendingMessage) String() string {
	return fmt.Sprintf("%d to %d: %v", pm.sender, pm.receiver, pm.message)
}

// Network is an in-memory message bus connecting the event loops of a set of
// replicas. Sends are queued and delivered on the next Tick, so tests control
// the interleaving. Partitions and dropped message types emulate network
// faults: a message crossing partition boundaries is dropped, and so is any
// message whose type is in the drop set.
type Network struct {
	mut        sync.Mutex
	ids        []nbft.ID
	loops      map[nbft.ID]*eventloop.EventLoop
	pending    []pendingMessage
	partitions []nbft.IDSet
	dropTypes  map[reflect.Type]struct{}
}

// NewNetwork creates a fully connected network with no replicas attached.
func NewNetwork() *Network {
	return &Network{
		loops:     make(map[nbft.ID]*eventloop.EventLoop),
		dropTypes: make(map[reflect.Type]struct{}),
	}
}

// Connect attaches a replica's event loop to the network.
func (n *Network) Connect(id nbft.ID, eventLoop *eventloop.EventLoop) {
	n.mut.Lock()
	defer n.mut.Unlock()
	if _, ok := n.loops[id]; !ok {
		n.ids = append(n.ids, id)
	}
	n.loops[id] = eventLoop
}

// SenderFor returns a core.Sender that sends on behalf of the replica.
func (n *Network) SenderFor(id nbft.ID) core.Sender {
	return &networkSender{network: n, id: id}
}

// Partition splits the network into the given partitions. Messages between
// replicas that do not share a partition are dropped.
func (n *Network) Partition(partitions ...nbft.IDSet) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.partitions = partitions
}

// Heal removes all partitions. Messages dropped while partitioned stay lost.
func (n *Network) Heal() {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.partitions = nil
}

// Drop adds the types of the given messages to the drop set.
func (n *Network) Drop(messages ...any) {
	n.mut.Lock()
	defer n.mut.Unlock()
	for _, msg := range messages {
		n.dropTypes[reflect.TypeOf(msg)] = struct{}{}
	}
}

// DeliverAll empties the drop set.
func (n *Network) DeliverAll() {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.dropTypes = make(map[reflect.Type]struct{})
}

// shouldDrop decides whether a message from sender to receiver is lost.
func (n *Network) shouldDrop(sender, receiver nbft.ID, message any) bool {
	if _, ok := n.dropTypes[reflect.TypeOf(message)]; ok {
		return true
	}
	if len(n.partitions) == 0 {
		return false
	}
	for _, partition := range n.partitions {
		if partition.Contains(sender) && partition.Contains(receiver) {
			return false
		}
	}
	return true
}

func (n *Network) send(sender, receiver nbft.ID, message any) error {
	n.mut.Lock()
	defer n.mut.Unlock()
	if _, ok := n.loops[receiver]; !ok {
		return fmt.Errorf("unknown replica %d", receiver)
	}
	if n.shouldDrop(sender, receiver, message) {
		return nil
	}
	n.pending = append(n.pending, pendingMessage{message: message, sender: sender, receiver: receiver})
	return nil
}

func (n *Network) broadcast(sender nbft.ID, message any) {
	n.mut.Lock()
	defer n.mut.Unlock()
	for _, id := range n.ids {
		if id == sender || n.shouldDrop(sender, id, message) {
			continue
		}
		n.pending = append(n.pending, pendingMessage{message: message, sender: sender, receiver: id})
	}
}

// Tick delivers the queued messages to their receivers' event loops and then
// drains every loop. It reports whether any message was delivered or any
// event processed, so callers can loop until the network goes quiet.
func (n *Network) Tick() bool {
	n.mut.Lock()
	pending := n.pending
	n.pending = nil
	ids := append([]nbft.ID(nil), n.ids...)
	loops := make(map[nbft.ID]*eventloop.EventLoop, len(n.loops))
	for id, el := range n.loops {
		loops[id] = el
	}
	n.mut.Unlock()

	for _, pm := range pending {
		if el, ok := loops[pm.receiver]; ok {
			el.AddEvent(pm.message)
		}
	}

	progress := len(pending) > 0
	for _, id := range ids {
		for loops[id].Tick(context.Background()) {
			progress = true
		}
	}
	return progress
}

// Settle ticks until no replica has work left, failing the test if the
// network does not go quiet.
func (n *Network) Settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if !n.Tick() {
			return
		}
	}
	t.Fatal("network did not go quiet")
}

// networkSender implements core.Sender on top of a Network.
type networkSender struct {
	network *Network
	id      nbft.ID
}

func (s *networkSender) Propose(proposal nbft.ProposeMsg) {
	s.network.broadcast(s.id, proposal)
}

func (s *networkSender) Vote(msg nbft.VoteMsg) {
	s.network.broadcast(s.id, msg)
}

func (s *networkSender) ViewChange(msg nbft.ViewChangeMsg) {
	s.network.broadcast(s.id, msg)
}

func (s *networkSender) NewView(msg nbft.NewViewMsg) {
	s.network.broadcast(s.id, msg)
}

func (s *networkSender) Checkpoint(msg nbft.CheckpointMsg) {
	s.network.broadcast(s.id, msg)
}

func (s *networkSender) FetchEntries(id nbft.ID, msg nbft.FetchEntriesMsg) error {
	return s.network.send(s.id, id, msg)
}

func (s *networkSender) Entries(id nbft.ID, msg nbft.EntriesMsg) error {
	return s.network.send(s.id, id, msg)
}

var _ core.Sender = (*networkSender)(nil)

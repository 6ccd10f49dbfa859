package wiring_test

import (
	"context"
	"testing"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/security/crypto"
	"github.com/radman021/nbft/service/requestqueue"
	"github.com/radman021/nbft/wiring"
)

func newProtocolBundle(t *testing.T, bundle *testutil.Essentials) (*wiring.Protocol, *wiring.Service) {
	t.Helper()
	leaders, err := leaderrotation.New(
		bundle.Logger(),
		bundle.EventLoop(),
		bundle.RuntimeCfg(),
		leaderrotation.NameRoundRobin,
	)
	if err != nil {
		t.Fatal(err)
	}
	queue, err := requestqueue.New(bundle.EventLoop(), bundle.Logger(), bundle.CommitLog())
	if err != nil {
		t.Fatal(err)
	}
	protocol := wiring.NewProtocol(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
		bundle.CommitLog(),
		leaders,
		viewduration.NewFixed(time.Second),
		queue,
		bundle.MockSender(),
	)
	service, err := wiring.NewService(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		protocol.ViewManager(),
		queue,
		bundle.CommitLog(),
	)
	if err != nil {
		t.Fatal(err)
	}
	return protocol, service
}

func TestNewProtocolConstructsEveryDependency(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	protocol, service := newProtocolBundle(t, set[0])

	if protocol.Certifier() == nil || protocol.ViewManager() == nil ||
		protocol.Proposer() == nil || protocol.Voter() == nil ||
		protocol.Committer() == nil || protocol.StateSync() == nil {
		t.Fatal("protocol bundle is missing a dependency")
	}
	if service.Queue() == nil || service.Server() == nil || service.Listener() == nil {
		t.Fatal("service bundle is missing a dependency")
	}
}

// Constructing the bundles must register the event handlers: a signed
// proposal pushed onto the loop comes back out as a prepare vote.
func TestNewProtocolRegistersHandlers(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	follower := set[0]
	newProtocolBundle(t, follower)

	request := nbft.NewRequest(1, 1, "command")
	proposal := nbft.ProposeMsg{
		ID:      2, // replica 2 leads view 1 under round robin
		View:    1,
		Seq:     1,
		Digest:  request.Digest(),
		Request: request,
	}
	if err := set[1].Authority().SignProposal(&proposal); err != nil {
		t.Fatalf("Failed to sign proposal: %v", err)
	}

	follower.EventLoop().AddEvent(proposal)
	for follower.EventLoop().Tick(context.Background()) {
	}

	votes := follower.MockSender().Votes()
	if len(votes) != 1 {
		t.Fatalf("expected the wired replica to vote on the proposal, got %d votes", len(votes))
	}
	if votes[0].Vote.Digest() != request.Digest() {
		t.Error("expected the vote to cover the proposed digest")
	}
}

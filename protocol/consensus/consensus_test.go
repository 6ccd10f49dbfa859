package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/protocol/certifier"
	"github.com/radman021/nbft/protocol/consensus"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/viewmanager"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/security/crypto"
)

// stubQueue serves as the proposer's request source and the view manager's
// backlog in tests.
type stubQueue struct {
	requests []nbft.Request
}

func (q *stubQueue) NextBatch(max uint32) []nbft.Request {
	n := int(max)
	if n > len(q.requests) {
		n = len(q.requests)
	}
	batch := q.requests[:n]
	q.requests = q.requests[n:]
	return batch
}

func (q *stubQueue) HasPending() bool { return true }

func (q *stubQueue) add(requests ...nbft.Request) {
	q.requests = append(q.requests, requests...)
}

type testReplica struct {
	*testutil.Essentials
	queue     *stubQueue
	certifier *certifier.Certifier
	views     *viewmanager.ViewManager
	proposer  *consensus.Proposer
	voter     *consensus.Voter
	committer *consensus.Committer

	consumed int
}

func newTestReplica(t *testing.T, bundle *testutil.Essentials) *testReplica {
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
	queue := &stubQueue{}
	crt := certifier.New(
		bundle.Logger(),
		bundle.EventLoop(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
	)
	views := viewmanager.New(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
		crt,
		leaders,
		viewduration.NewFixed(time.Second),
		bundle.CommitLog(),
		queue,
		bundle.MockSender(),
	)
	proposer := consensus.NewProposer(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
		views,
		leaders,
		crt,
		bundle.CommitLog(),
		queue,
		bundle.MockSender(),
	)
	voter := consensus.NewVoter(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
		views,
		leaders,
		crt,
		bundle.CommitLog(),
		bundle.MockSender(),
	)
	committer := consensus.NewCommitter(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
		crt,
		bundle.CommitLog(),
		bundle.MockSender(),
	)
	return &testReplica{
		Essentials: bundle,
		queue:      queue,
		certifier:  crt,
		views:      views,
		proposer:   proposer,
		voter:      voter,
		committer:  committer,
	}
}

// newCluster wires up a fully connected set of replicas whose messages are
// exchanged by pump.
func newCluster(t *testing.T, n int, opts ...core.RuntimeOption) []*testReplica {
	t.Helper()
	set := testutil.NewEssentialsSet(t, n, crypto.NameEDDSA, opts...)
	replicas := make([]*testReplica, 0, n)
	for _, bundle := range set {
		replicas = append(replicas, newTestReplica(t, bundle))
	}
	return replicas
}

func drain(el *eventloop.EventLoop) {
	for el.Tick(context.Background()) {
	}
}

// pump drains every replica's event loop and forwards newly sent broadcast
// messages to the other replicas until the cluster goes quiet. The filter, if
// any, can drop messages to stage network faults.
func pump(t *testing.T, replicas []*testReplica, filter func(msg any) bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		busy := false
		for _, r := range replicas {
			drain(r.EventLoop())
		}
		for _, r := range replicas {
			msgs := r.MockSender().MessagesSent()
			for _, msg := range msgs[r.consumed:] {
				switch msg.(type) {
				case nbft.FetchEntriesMsg, nbft.EntriesMsg:
					continue
				}
				if filter != nil && !filter(msg) {
					continue
				}
				busy = true
				for _, other := range replicas {
					if other != r {
						other.EventLoop().AddEvent(msg)
					}
				}
			}
			r.consumed = len(msgs)
		}
		if !busy {
			return
		}
	}
	t.Fatal("message pump did not quiesce")
}

// leader of view 1 under round robin with 4 replicas
const view1Leader = 1

func requireCommitted(t *testing.T, replicas []*testReplica, seq nbft.Sequence, digest nbft.Hash) {
	t.Helper()
	for _, r := range replicas {
		if got := r.CommitLog().LastCommitted(); got < seq {
			t.Fatalf("replica %d: expected seq %d committed, log is at %d", r.RuntimeCfg().ID(), seq, got)
		}
		entry, ok := r.CommitLog().Get(seq)
		if !ok {
			t.Fatalf("replica %d: no entry at seq %d", r.RuntimeCfg().ID(), seq)
		}
		if entry.Digest != digest {
			t.Fatalf("replica %d: wrong digest committed at seq %d", r.RuntimeCfg().ID(), seq)
		}
	}
}

func TestRequestCommitsOnAllReplicas(t *testing.T) {
	replicas := newCluster(t, 4)
	request := nbft.NewRequest(1, 1, "first command")

	replicas[view1Leader].queue.add(request)
	replicas[view1Leader].EventLoop().AddEvent(nbft.BatchReadyEvent{})
	pump(t, replicas, nil)

	requireCommitted(t, replicas, 1, request.Digest())
	for _, r := range replicas {
		entry, _ := r.CommitLog().Get(1)
		if entry.Request != request {
			t.Errorf("replica %d: committed entry does not carry the request body", r.RuntimeCfg().ID())
		}
	}
}

func TestCommitsAreOrderedAndChained(t *testing.T) {
	replicas := newCluster(t, 4)
	requests := []nbft.Request{
		nbft.NewRequest(1, 1, "first"),
		nbft.NewRequest(2, 1, "second"),
		nbft.NewRequest(1, 2, "third"),
	}

	replicas[view1Leader].queue.add(requests...)
	replicas[view1Leader].EventLoop().AddEvent(nbft.BatchReadyEvent{})
	pump(t, replicas, nil)

	for i, request := range requests {
		requireCommitted(t, replicas, nbft.Sequence(i+1), request.Digest())
	}
	// every replica must agree on the state digest over the committed prefix
	want := replicas[0].CommitLog().StateDigest()
	for _, r := range replicas[1:] {
		if got := r.CommitLog().StateDigest(); got != want {
			t.Errorf("replica %d: state digest diverges", r.RuntimeCfg().ID())
		}
	}
}

func TestCheckpointBecomesStableAndPrunes(t *testing.T) {
	replicas := newCluster(t, 4, core.WithCheckpointInterval(2))
	requests := []nbft.Request{
		nbft.NewRequest(1, 1, "first"),
		nbft.NewRequest(1, 2, "second"),
	}

	replicas[view1Leader].queue.add(requests...)
	replicas[view1Leader].EventLoop().AddEvent(nbft.BatchReadyEvent{})
	pump(t, replicas, nil)

	requireCommitted(t, replicas, 2, requests[1].Digest())
	for _, r := range replicas {
		if got := r.CommitLog().StableCheckpoint().Seq(); got != 2 {
			t.Errorf("replica %d: expected stable checkpoint at seq 2, got %d", r.RuntimeCfg().ID(), got)
		}
		if certs := r.certifier.PrepareCertsAbove(0); len(certs) != 0 {
			t.Errorf("replica %d: expected certificates pruned at the checkpoint, found %d", r.RuntimeCfg().ID(), len(certs))
		}
	}
}

func TestViewChangeRecoversPreparedRequest(t *testing.T) {
	replicas := newCluster(t, 4)
	request := nbft.NewRequest(7, 1, "survives the view change")

	// let the proposal prepare everywhere, but drop all commit votes so the
	// sequence cannot commit in view 1
	replicas[view1Leader].queue.add(request)
	replicas[view1Leader].EventLoop().AddEvent(nbft.BatchReadyEvent{})
	pump(t, replicas, func(msg any) bool {
		vote, ok := msg.(nbft.VoteMsg)
		return !ok || vote.Vote.Phase() != nbft.PhaseCommit
	})

	for _, r := range replicas {
		if r.CommitLog().LastCommitted() != 0 {
			t.Fatalf("replica %d: committed without commit votes", r.RuntimeCfg().ID())
		}
	}

	// the view times out everywhere; the view change must carry the prepared
	// request into view 2 and commit it there
	for _, r := range replicas {
		r.EventLoop().AddEvent(nbft.TimeoutEvent{View: 1})
	}
	pump(t, replicas, nil)

	requireCommitted(t, replicas, 1, request.Digest())
	for _, r := range replicas {
		if got := r.views.View(); got != 2 {
			t.Errorf("replica %d: expected view 2, got %d", r.RuntimeCfg().ID(), got)
		}
	}
}

func TestVoterDetectsLeaderEquivocation(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	follower := newTestReplica(t, set[0])

	var evidence []nbft.EquivocationEvent
	eventloop.Register(follower.EventLoop(), func(event nbft.EquivocationEvent) {
		evidence = append(evidence, event)
	})

	leaderAuth := set[view1Leader].Authority()
	leaderID := nbft.ID(view1Leader + 1)
	first := nbft.NewRequest(1, 1, "first")
	second := nbft.NewRequest(1, 2, "second")

	for _, request := range []nbft.Request{first, second} {
		proposal := nbft.ProposeMsg{
			ID:      leaderID,
			View:    1,
			Seq:     1,
			Digest:  request.Digest(),
			Request: request,
		}
		if err := leaderAuth.SignProposal(&proposal); err != nil {
			t.Fatalf("Failed to sign proposal: %v", err)
		}
		follower.EventLoop().AddEvent(proposal)
	}
	drain(follower.EventLoop())

	votes := follower.MockSender().Votes()
	if len(votes) != 1 {
		t.Fatalf("expected exactly 1 prepare vote, got %d", len(votes))
	}
	if votes[0].Vote.Digest() != first.Digest() {
		t.Error("expected the vote to go to the first proposed digest")
	}
	if len(evidence) != 1 {
		t.Fatalf("expected 1 equivocation event, got %d", len(evidence))
	}
	if evidence[0].Source != leaderID || evidence[0].Conflicting != second.Digest() {
		t.Errorf("unexpected equivocation evidence: %s", evidence[0])
	}
}

func TestVoterRejectsWrongLeader(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	follower := newTestReplica(t, set[0])

	request := nbft.NewRequest(1, 1, "command")
	proposal := nbft.ProposeMsg{
		ID:      4, // replica 4 does not lead view 1
		View:    1,
		Seq:     1,
		Digest:  request.Digest(),
		Request: request,
	}
	if err := set[3].Authority().SignProposal(&proposal); err != nil {
		t.Fatalf("Failed to sign proposal: %v", err)
	}
	follower.EventLoop().AddEvent(proposal)
	drain(follower.EventLoop())

	if votes := follower.MockSender().Votes(); len(votes) != 0 {
		t.Errorf("expected no votes for a proposal from the wrong leader, got %d", len(votes))
	}
}

func TestVoterBuffersOutOfOrderProposals(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	follower := newTestReplica(t, set[0])

	leaderAuth := set[view1Leader].Authority()
	leaderID := nbft.ID(view1Leader + 1)
	first := nbft.NewRequest(1, 1, "first")
	second := nbft.NewRequest(1, 2, "second")

	proposals := make([]nbft.ProposeMsg, 2)
	for i, request := range []nbft.Request{first, second} {
		proposals[i] = nbft.ProposeMsg{
			ID:      leaderID,
			View:    1,
			Seq:     nbft.Sequence(i + 1),
			Digest:  request.Digest(),
			Request: request,
		}
		if err := leaderAuth.SignProposal(&proposals[i]); err != nil {
			t.Fatalf("Failed to sign proposal: %v", err)
		}
	}

	// deliver seq 2 before seq 1
	follower.EventLoop().AddEvent(proposals[1])
	drain(follower.EventLoop())
	if votes := follower.MockSender().Votes(); len(votes) != 0 {
		t.Fatalf("expected the out-of-order proposal to be buffered, got %d votes", len(votes))
	}

	follower.EventLoop().AddEvent(proposals[0])
	drain(follower.EventLoop())

	votes := follower.MockSender().Votes()
	if len(votes) != 2 {
		t.Fatalf("expected votes for both sequences, got %d", len(votes))
	}
	if votes[0].Vote.Seq() != 1 || votes[1].Vote.Seq() != 2 {
		t.Errorf("expected votes in sequence order, got seq %d then %d", votes[0].Vote.Seq(), votes[1].Vote.Seq())
	}
}

func TestCommitterBuffersOutOfOrderCerts(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	replica := newTestReplica(t, set[0])

	var syncs []nbft.SyncNeededEvent
	eventloop.Register(replica.EventLoop(), func(event nbft.SyncNeededEvent) {
		syncs = append(syncs, event)
	})
	var commits []nbft.CommitEvent
	eventloop.Register(replica.EventLoop(), func(event nbft.CommitEvent) {
		commits = append(commits, event)
	})

	first := nbft.NewRequest(1, 1, "first")
	second := nbft.NewRequest(1, 2, "second")
	certs := make([]nbft.CommitCert, 2)
	for i, request := range []nbft.Request{first, second} {
		seq := nbft.Sequence(i + 1)
		replica.certifier.Accept(nbft.ProposeMsg{
			ID:      2,
			View:    1,
			Seq:     seq,
			Digest:  request.Digest(),
			Request: request,
		})
		certs[i] = testutil.CreateCommitCert(t, set.Signers(), 1, seq, request.Digest())
	}

	// seq 2 arrives first and must wait for seq 1
	replica.EventLoop().AddEvent(nbft.CommitCertEvent{Cert: certs[1]})
	drain(replica.EventLoop())
	if replica.CommitLog().LastCommitted() != 0 {
		t.Fatal("expected the out-of-order certificate to be held back")
	}
	if len(syncs) != 1 || syncs[0].From != 1 || syncs[0].To != 2 {
		t.Fatalf("expected a sync request for [1, 2], got %v", syncs)
	}

	replica.EventLoop().AddEvent(nbft.CommitCertEvent{Cert: certs[0]})
	drain(replica.EventLoop())

	if got := replica.CommitLog().LastCommitted(); got != 2 {
		t.Fatalf("expected both sequences committed, log is at %d", got)
	}
	if len(commits) != 2 || commits[0].Entry.Seq != 1 || commits[1].Entry.Seq != 2 {
		t.Errorf("expected commit events in order, got %v", commits)
	}
}

func TestCommitterHaltsOnStateDivergence(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	replica := newTestReplica(t, set[0])

	request := nbft.NewRequest(1, 1, "command")
	replica.certifier.Accept(nbft.ProposeMsg{
		ID:      2,
		View:    1,
		Seq:     1,
		Digest:  request.Digest(),
		Request: request,
	})
	commit := testutil.CreateCommitCert(t, set.Signers(), 1, 1, request.Digest())
	replica.EventLoop().AddEvent(nbft.CommitCertEvent{Cert: commit})
	drain(replica.EventLoop())

	// a checkpoint quorum that disagrees with the local state digest is fatal
	divergent := testutil.CreateCheckpointCert(t, set.Signers(), 1, nbft.HashBytes([]byte("divergent state")))
	replica.EventLoop().AddEvent(nbft.CheckpointEvent{Cert: divergent})

	defer func() {
		if recover() == nil {
			t.Error("expected the replica to halt on state divergence")
		}
	}()
	drain(replica.EventLoop())
}

func TestVoterAbstainsWithoutRequestBody(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	follower := newTestReplica(t, set[0])

	leaderAuth := set[view1Leader].Authority()
	leaderID := nbft.ID(view1Leader + 1)
	unknown := nbft.NewRequest(5, 1, "never seen")

	// a digest-only proposal for a request this replica never saw
	proposal := nbft.ProposeMsg{ID: leaderID, View: 1, Seq: 1, Digest: unknown.Digest()}
	if err := leaderAuth.SignProposal(&proposal); err != nil {
		t.Fatalf("Failed to sign proposal: %v", err)
	}
	follower.EventLoop().AddEvent(proposal)
	drain(follower.EventLoop())

	if votes := follower.MockSender().Votes(); len(votes) != 0 {
		t.Fatalf("expected no vote on an unverifiable digest, got %d", len(votes))
	}

	// with the body on hand, the same digest-only proposal is votable
	known := nbft.NewRequest(5, 2, "seen before")
	follower.certifier.Accept(nbft.ProposeMsg{
		ID:      leaderID,
		View:    1,
		Seq:     2,
		Digest:  known.Digest(),
		Request: known,
	})
	proposal = nbft.ProposeMsg{ID: leaderID, View: 1, Seq: 2, Digest: known.Digest()}
	if err := leaderAuth.SignProposal(&proposal); err != nil {
		t.Fatalf("Failed to sign proposal: %v", err)
	}
	follower.EventLoop().AddEvent(proposal)
	drain(follower.EventLoop())

	votes := follower.MockSender().Votes()
	if len(votes) != 1 {
		t.Fatalf("expected 1 vote once the body is known, got %d", len(votes))
	}
	if votes[0].Vote.Seq() != 2 || votes[0].Vote.Digest() != known.Digest() {
		t.Error("expected the vote to cover the known request")
	}
}

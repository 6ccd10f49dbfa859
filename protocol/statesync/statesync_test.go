package statesync_test

import (
	"context"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/protocol/certifier"
	"github.com/radman021/nbft/protocol/consensus"
	"github.com/radman021/nbft/protocol/statesync"
	"github.com/radman021/nbft/security/crypto"
)

type testReplica struct {
	*testutil.Essentials
	certifier *certifier.Certifier
	committer *consensus.Committer
	sync      *statesync.StateSync
}

func newTestReplica(t *testing.T, bundle *testutil.Essentials) *testReplica {
	t.Helper()
	crt := certifier.New(
		bundle.Logger(),
		bundle.EventLoop(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
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
	sync := statesync.New(
		bundle.EventLoop(),
		bundle.Logger(),
		bundle.RuntimeCfg(),
		bundle.Authority(),
		committer,
		bundle.CommitLog(),
		bundle.MockSender(),
	)
	return &testReplica{
		Essentials: bundle,
		certifier:  crt,
		committer:  committer,
		sync:       sync,
	}
}

func drain(el *eventloop.EventLoop) {
	for el.Tick(context.Background()) {
	}
}

// commitEntries commits n requests to the replica's log directly.
func commitEntries(t *testing.T, set testutil.EssentialsSet, r *testReplica, n int) []nbft.Request {
	t.Helper()
	requests := make([]nbft.Request, 0, n)
	for i := 1; i <= n; i++ {
		request := nbft.NewRequest(1, uint64(i), nbft.Command("command"))
		cert := testutil.CreateCommitCert(t, set.Signers(), 1, nbft.Sequence(i), request.Digest())
		if _, err := r.CommitLog().Append(request, cert); err != nil {
			t.Fatalf("Failed to append entry %d: %v", i, err)
		}
		requests = append(requests, request)
	}
	return requests
}

func TestSyncNeededSendsFetch(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	replica := newTestReplica(t, set[0])

	replica.EventLoop().AddEvent(nbft.SyncNeededEvent{From: 1, To: 5})
	drain(replica.EventLoop())

	fetches := replica.MockSender().FetchRequests()
	if len(fetches) != 1 {
		t.Fatalf("expected 1 fetch request, got %d", len(fetches))
	}
	if fetches[0].ID != 1 || fetches[0].From != 1 || fetches[0].To != 5 {
		t.Errorf("unexpected fetch request: %+v", fetches[0])
	}
}

func TestStaleRangeIsIgnored(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	replica := newTestReplica(t, set[0])
	commitEntries(t, set, replica, 3)

	replica.EventLoop().AddEvent(nbft.SyncNeededEvent{From: 1, To: 2})
	drain(replica.EventLoop())

	if fetches := replica.MockSender().FetchRequests(); len(fetches) != 0 {
		t.Errorf("expected no fetch for an already committed range, got %d", len(fetches))
	}
}

func TestStartProbesForMissedEntries(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	replica := newTestReplica(t, set[0])
	commitEntries(t, set, replica, 2)

	replica.sync.Start()
	drain(replica.EventLoop())

	fetches := replica.MockSender().FetchRequests()
	if len(fetches) != 1 {
		t.Fatalf("expected 1 probe, got %d", len(fetches))
	}
	if fetches[0].From != 3 || fetches[0].To != 0 {
		t.Errorf("expected an open ended probe from seq 3, got %+v", fetches[0])
	}
}

func TestFetchRequestIsServed(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	donor := newTestReplica(t, set[0])
	commitEntries(t, set, donor, 3)

	donor.EventLoop().AddEvent(nbft.FetchEntriesMsg{ID: 2, From: 2, To: 0})
	drain(donor.EventLoop())

	replies := donor.MockSender().EntryReplies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if len(replies[0].Entries) != 2 {
		t.Fatalf("expected entries 2 and 3, got %d entries", len(replies[0].Entries))
	}
	for i, entry := range replies[0].Entries {
		if want := nbft.Sequence(i + 2); entry.Seq != want {
			t.Errorf("entry %d: got seq %d, want %d", i, entry.Seq, want)
		}
	}
}

func TestFetchRequestForUnknownRangeIsDropped(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	donor := newTestReplica(t, set[0])

	donor.EventLoop().AddEvent(nbft.FetchEntriesMsg{ID: 2, From: 1, To: 0})
	drain(donor.EventLoop())

	if replies := donor.MockSender().EntryReplies(); len(replies) != 0 {
		t.Errorf("expected no reply from an empty log, got %d", len(replies))
	}
}

func TestFetchedEntriesCommit(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	donor := newTestReplica(t, set[0])
	lagging := newTestReplica(t, set[1])
	commitEntries(t, set, donor, 3)

	var commits []nbft.CommitEvent
	eventloop.Register(lagging.EventLoop(), func(event nbft.CommitEvent) {
		commits = append(commits, event)
	})

	entries, err := donor.CommitLog().Entries(1, 0)
	if err != nil {
		t.Fatalf("failed to read entries from the donor log: %v", err)
	}
	lagging.EventLoop().AddEvent(nbft.EntriesMsg{ID: 1, Entries: entries})
	drain(lagging.EventLoop())

	if got := lagging.CommitLog().LastCommitted(); got != 3 {
		t.Fatalf("expected the lagging replica to catch up to seq 3, got %d", got)
	}
	if len(commits) != 3 {
		t.Fatalf("expected 3 commit events, got %d", len(commits))
	}
	for i, commit := range commits {
		if want := nbft.Sequence(i + 1); commit.Entry.Seq != want {
			t.Errorf("commit %d: got seq %d, want %d", i, commit.Entry.Seq, want)
		}
	}
	if donor.CommitLog().StateDigest() != lagging.CommitLog().StateDigest() {
		t.Error("expected identical state digests after catch up")
	}
}

func TestForgedEntryIsRejected(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	donor := newTestReplica(t, set[0])
	lagging := newTestReplica(t, set[1])
	commitEntries(t, set, donor, 2)

	entries, err := donor.CommitLog().Entries(1, 0)
	if err != nil {
		t.Fatalf("failed to read entries from the donor log: %v", err)
	}
	forged := nbft.NewRequest(9, 9, "forged")
	entries[1].Request = forged

	lagging.EventLoop().AddEvent(nbft.EntriesMsg{ID: 1, Entries: entries})
	drain(lagging.EventLoop())

	if got := lagging.CommitLog().LastCommitted(); got != 1 {
		t.Errorf("expected only the entry before the forgery to commit, got seq %d", got)
	}
}

func TestCommitterGapTriggersSync(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	donor := newTestReplica(t, set[0])
	lagging := newTestReplica(t, set[1])
	requests := commitEntries(t, set, donor, 2)

	// a commit certificate beyond the log's end makes the committer ask for
	// state transfer, which must go out as a fetch
	cert := testutil.CreateCommitCert(t, set.Signers(), 1, 2, requests[1].Digest())
	lagging.EventLoop().AddEvent(nbft.CommitCertEvent{Cert: cert})
	drain(lagging.EventLoop())

	fetches := lagging.MockSender().FetchRequests()
	if len(fetches) != 1 {
		t.Fatalf("expected the gap to trigger a fetch, got %d", len(fetches))
	}
	if fetches[0].From != 1 || fetches[0].To != 2 {
		t.Errorf("expected a fetch for [1, 2], got %+v", fetches[0])
	}

	// the donor's answer fills the gap and the buffered certificate applies
	gapEntries, err := donor.CommitLog().Entries(1, 2)
	if err != nil {
		t.Fatalf("failed to read entries from the donor log: %v", err)
	}
	lagging.EventLoop().AddEvent(nbft.EntriesMsg{ID: 1, Entries: gapEntries})
	drain(lagging.EventLoop())

	if got := lagging.CommitLog().LastCommitted(); got != 2 {
		t.Errorf("expected the log to reach seq 2 after sync, got %d", got)
	}
}

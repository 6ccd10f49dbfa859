package commitlog_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/security/crypto"
)

func newLog(t *testing.T) (*commitlog.Log, []*cert.Authority) {
	t.Helper()
	store, err := commitlog.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log, err := commitlog.New(store, logging.New("test"))
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	return log, testutil.NewAuthorities(t, 4, crypto.NameEDDSA)
}

func appendEntry(t *testing.T, log *commitlog.Log, authorities []*cert.Authority, seq nbft.Sequence) nbft.LogEntry {
	t.Helper()
	request := nbft.NewRequest(1, uint64(seq), nbft.Command(fmt.Sprintf("command %d", seq)))
	cc := testutil.CreateCommitCert(t, authorities, 1, seq, request.Digest())
	entry, err := log.Append(request, cc)
	if err != nil {
		t.Fatalf("failed to append entry %d: %v", seq, err)
	}
	return entry
}

func TestAppendChainsStateDigest(t *testing.T) {
	log, authorities := newLog(t)

	first := appendEntry(t, log, authorities, 1)
	second := appendEntry(t, log, authorities, 2)

	if log.LastCommitted() != 2 {
		t.Errorf("got last committed %d, want 2", log.LastCommitted())
	}
	wantFirst := nbft.ChainHash(nbft.Hash{}, first.Digest)
	if first.StateDigest != wantFirst {
		t.Error("state digest of the first entry is not chained from the zero digest")
	}
	wantSecond := nbft.ChainHash(wantFirst, second.Digest)
	if second.StateDigest != wantSecond {
		t.Error("state digest of the second entry is not chained from the first")
	}
	if log.StateDigest() != wantSecond {
		t.Error("log state digest does not match the last entry")
	}

	got, ok := log.Get(1)
	if !ok {
		t.Fatal("committed entry not found")
	}
	if got.Seq != first.Seq || got.Digest != first.Digest || got.StateDigest != first.StateDigest {
		t.Error("stored entry does not match the appended entry")
	}
	if !got.Cert.Equals(first.Cert) {
		t.Error("stored certificate does not match the appended certificate")
	}
}

func TestAppendDuplicate(t *testing.T) {
	log, authorities := newLog(t)

	request := nbft.NewRequest(1, 1, "command")
	cc := testutil.CreateCommitCert(t, authorities, 1, 1, request.Digest())
	first, err := log.Append(request, cc)
	if err != nil {
		t.Fatalf("failed to append entry: %v", err)
	}
	again, err := log.Append(request, cc)
	if !errors.Is(err, commitlog.ErrDuplicate) {
		t.Fatalf("got error %v, want ErrDuplicate", err)
	}
	if again.StateDigest != first.StateDigest {
		t.Error("duplicate append did not return the stored entry")
	}
	if log.LastCommitted() != 1 {
		t.Errorf("got last committed %d, want 1", log.LastCommitted())
	}
}

func TestAppendGap(t *testing.T) {
	log, authorities := newLog(t)

	appendEntry(t, log, authorities, 1)

	request := nbft.NewRequest(1, 3, "command")
	cc := testutil.CreateCommitCert(t, authorities, 1, 3, request.Digest())
	_, err := log.Append(request, cc)
	var gap *commitlog.SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("got error %v, want SequenceGapError", err)
	}
	if gap.Want != 2 || gap.Got != 3 {
		t.Errorf("got gap want=%d got=%d, expected want=2 got=3", gap.Want, gap.Got)
	}
}

func TestAppendConflictingDigest(t *testing.T) {
	log, authorities := newLog(t)

	appendEntry(t, log, authorities, 1)

	other := nbft.NewRequest(2, 7, "other command")
	cc := testutil.CreateCommitCert(t, authorities, 1, 1, other.Digest())
	_, err := log.Append(other, cc)
	if !errors.Is(err, commitlog.ErrDigestMismatch) {
		t.Fatalf("got error %v, want ErrDigestMismatch", err)
	}
}

func TestAppendRequestMismatch(t *testing.T) {
	log, authorities := newLog(t)

	request := nbft.NewRequest(1, 1, "command")
	cc := testutil.CreateCommitCert(t, authorities, 1, 1, request.Digest())
	other := nbft.NewRequest(2, 7, "other command")
	_, err := log.Append(other, cc)
	if !errors.Is(err, commitlog.ErrRequestMismatch) {
		t.Fatalf("got error %v, want ErrRequestMismatch", err)
	}
}

func TestEntriesRange(t *testing.T) {
	log, authorities := newLog(t)

	for seq := nbft.Sequence(1); seq <= 5; seq++ {
		appendEntry(t, log, authorities, seq)
	}

	entries, err := log.Entries(2, 4)
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, entry := range entries {
		if want := nbft.Sequence(i + 2); entry.Seq != want {
			t.Errorf("got entry at seq %d, want %d", entry.Seq, want)
		}
	}

	// a zero 'to' reads everything committed from 'from' onward
	entries, err = log.Entries(4, 0)
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestScanVisitsEntriesInOrder(t *testing.T) {
	log, authorities := newLog(t)

	for seq := nbft.Sequence(1); seq <= 5; seq++ {
		appendEntry(t, log, authorities, seq)
	}

	var seen []nbft.Sequence
	err := log.Scan(2, func(entry nbft.LogEntry) error {
		seen = append(seen, entry.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if len(seen) != 4 {
		t.Fatalf("scan visited %d entries, want 4", len(seen))
	}
	for i, seq := range seen {
		if want := nbft.Sequence(i + 2); seq != want {
			t.Errorf("scan visited seq %d at position %d, want %d", seq, i, want)
		}
	}

	stop := errors.New("stop")
	seen = seen[:0]
	err = log.Scan(1, func(entry nbft.LogEntry) error {
		seen = append(seen, entry.Seq)
		if entry.Seq == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("got error %v, want the callback's error", err)
	}
	if len(seen) != 2 {
		t.Errorf("scan visited %d entries after an early stop, want 2", len(seen))
	}
}

func TestCheckpoint(t *testing.T) {
	log, authorities := newLog(t)

	appendEntry(t, log, authorities, 1)
	second := appendEntry(t, log, authorities, 2)

	cp := testutil.CreateCheckpointCert(t, authorities, 2, second.StateDigest)
	if err := log.Checkpoint(cp); err != nil {
		t.Fatalf("failed to record checkpoint: %v", err)
	}
	if !log.StableCheckpoint().Equals(cp) {
		t.Error("stable checkpoint does not match the recorded certificate")
	}

	// a checkpoint at or below the stable one is ignored
	old := testutil.CreateCheckpointCert(t, authorities, 1, nbft.HashBytes([]byte("stale")))
	if err := log.Checkpoint(old); err != nil {
		t.Fatalf("stale checkpoint should be ignored, got: %v", err)
	}
	if log.StableCheckpoint().Seq() != 2 {
		t.Error("stale checkpoint replaced the stable checkpoint")
	}
}

func TestCheckpointDivergence(t *testing.T) {
	log, authorities := newLog(t)

	appendEntry(t, log, authorities, 1)

	cp := testutil.CreateCheckpointCert(t, authorities, 1, nbft.HashBytes([]byte("divergent state")))
	if err := log.Checkpoint(cp); !errors.Is(err, commitlog.ErrStateDivergence) {
		t.Fatalf("got error %v, want ErrStateDivergence", err)
	}
}

func TestCheckpointAboveCommitted(t *testing.T) {
	log, authorities := newLog(t)

	appendEntry(t, log, authorities, 1)

	cp := testutil.CreateCheckpointCert(t, authorities, 5, nbft.HashBytes([]byte("future state")))
	err := log.Checkpoint(cp)
	var gap *commitlog.SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("got error %v, want SequenceGapError", err)
	}
	if gap.Want != 2 {
		t.Errorf("got gap want=%d, expected want=2", gap.Want)
	}
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	authorities := testutil.NewAuthorities(t, 4, crypto.NameEDDSA)

	store, err := commitlog.Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	log, err := commitlog.New(store, logging.New("test"))
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	appendEntry(t, log, authorities, 1)
	second := appendEntry(t, log, authorities, 2)
	cp := testutil.CreateCheckpointCert(t, authorities, 2, second.StateDigest)
	if err := log.Checkpoint(cp); err != nil {
		t.Fatalf("failed to record checkpoint: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	store, err = commitlog.Open(dir)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log, err = commitlog.New(store, logging.New("test"))
	if err != nil {
		t.Fatalf("failed to reopen log: %v", err)
	}
	if log.LastCommitted() != 2 {
		t.Errorf("got last committed %d after reopen, want 2", log.LastCommitted())
	}
	if log.StateDigest() != second.StateDigest {
		t.Error("state digest was not restored")
	}
	if !log.StableCheckpoint().Equals(cp) {
		t.Error("stable checkpoint was not restored")
	}

	// the log continues from the restored sequence
	appendEntry(t, log, authorities, 3)
}

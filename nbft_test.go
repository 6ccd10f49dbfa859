package nbft

import (
	"fmt"
	"testing"
)

func TestQuorumArithmetic(t *testing.T) {
	tests := []struct {
		n      int
		faulty int
		quorum int
	}{
		{n: 4, faulty: 1, quorum: 3},
		{n: 5, faulty: 1, quorum: 3},
		{n: 6, faulty: 1, quorum: 3},
		{n: 7, faulty: 2, quorum: 5},
		{n: 10, faulty: 3, quorum: 7},
		{n: 13, faulty: 4, quorum: 9},
		{n: 22, faulty: 7, quorum: 15},
		{n: 100, faulty: 33, quorum: 67},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			if got := NumFaulty(tt.n); got != tt.faulty {
				t.Errorf("NumFaulty(%d) = %d; want %d", tt.n, got, tt.faulty)
			}
			if got := QuorumSize(tt.n); got != tt.quorum {
				t.Errorf("QuorumSize(%d) = %d; want %d", tt.n, got, tt.quorum)
			}
		})
	}
}

func TestRequestDigest(t *testing.T) {
	r := NewRequest(1, 1, "hello")
	if r.Digest() != HashBytes(r.ToBytes()) {
		t.Error("cached digest does not match the digest of ToBytes")
	}
	if NewRequest(1, 2, "hello").Digest() == r.Digest() {
		t.Error("requests with different nonces got the same digest")
	}
	if NewRequest(2, 1, "hello").Digest() == r.Digest() {
		t.Error("requests from different clients got the same digest")
	}
}

func TestNoopRequest(t *testing.T) {
	noop := NewNoopRequest(5)
	if !noop.IsNoop() {
		t.Error("expected IsNoop to be true for a no-op request")
	}
	if NewRequest(1, 1, "x").IsNoop() {
		t.Error("expected IsNoop to be false for a client request")
	}
	// fillers for different sequences must certify under different digests
	if noop.Digest() == NewNoopRequest(6).Digest() {
		t.Error("no-op requests for different sequences got the same digest")
	}
}

func TestChainHash(t *testing.T) {
	a := HashBytes([]byte("a"))
	b := HashBytes([]byte("b"))
	ab := ChainHash(a, b)
	if ab == a || ab == b {
		t.Error("chained digest equals one of its inputs")
	}
	if ab == ChainHash(b, a) {
		t.Error("chained digest does not depend on the order of its inputs")
	}
}

// TestVoteBytesPhases checks that the signed form of a vote separates the
// voting phases, so that a prepare vote can never verify as a commit vote for
// the same digest.
func TestVoteBytesPhases(t *testing.T) {
	digest := HashBytes([]byte("proposal"))
	prepare := VoteBytes(PhasePrepare, 1, 1, digest)
	commit := VoteBytes(PhaseCommit, 1, 1, digest)
	if string(prepare) == string(commit) {
		t.Error("prepare and commit votes sign the same bytes")
	}
	checkpoint := VoteBytes(PhaseCheckpoint, 1, 1, digest)
	if string(checkpoint) == string(prepare) || string(checkpoint) == string(commit) {
		t.Error("checkpoint votes sign the same bytes as a voting round")
	}
}

func TestIDSet(t *testing.T) {
	set := NewIDSet()
	set.Add(1)
	set.Add(2)
	set.Add(3)
	set.Add(2)

	if set.Len() != 3 {
		t.Errorf("expected 3 ids in the set, got %d", set.Len())
	}
	if !set.Contains(2) {
		t.Error("expected the set to contain 2")
	}
	if set.Contains(4) {
		t.Error("expected the set to not contain 4")
	}

	seen := make(map[ID]bool)
	set.ForEach(func(id ID) {
		seen[id] = true
	})
	if len(seen) != 3 {
		t.Errorf("ForEach visited %d ids, want 3", len(seen))
	}

	visited := 0
	set.RangeWhile(func(ID) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("RangeWhile visited %d ids after returning false, want 1", visited)
	}
}

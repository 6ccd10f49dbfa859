package leaderrotation_test

import (
	"context"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/security/crypto"
)

func TestRoundRobinWalksReplicas(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	ld := leaderrotation.NewRoundRobin(set[0].RuntimeCfg())

	seen := nbft.NewIDSet()
	for view := nbft.View(1); view <= 4; view++ {
		leader := ld.GetLeader(view)
		if leader < 1 || leader > 4 {
			t.Fatalf("leader %d of view %d is not a replica", leader, view)
		}
		seen.Add(leader)
	}
	if seen.Len() != 4 {
		t.Errorf("only %d replicas led within 4 consecutive views", seen.Len())
	}
	if ld.GetLeader(1) != ld.GetLeader(5) {
		t.Error("leader schedule must repeat with period 4")
	}
}

func TestFixedLeader(t *testing.T) {
	ld := leaderrotation.NewFixed(2)
	for view := nbft.View(1); view <= 8; view++ {
		if leader := ld.GetLeader(view); leader != 2 {
			t.Fatalf("got leader %d for view %d, want 2", leader, view)
		}
	}
}

func TestWeightedFallsBackToRoundRobin(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	ld := leaderrotation.NewWeighted(set[0].Logger(), set[0].EventLoop(), set[0].RuntimeCfg())

	for view := nbft.View(1); view <= 4; view++ {
		want := leaderrotation.ChooseRoundRobin(view, 4)
		if got := ld.GetLeader(view); got != want {
			t.Errorf("view %d: got leader %d before any commit, want %d", view, got, want)
		}
	}
}

func TestWeightedPicksSameLeaderOnEveryReplica(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	signers := set.Signers()

	digest := nbft.HashBytes([]byte("command"))
	entry := nbft.LogEntry{
		Seq:    1,
		Digest: digest,
		Cert:   testutil.CreateCommitCert(t, signers, 1, 1, digest),
	}

	rotations := make([]leaderrotation.LeaderRotation, len(set))
	for i, bundle := range set {
		rotations[i] = leaderrotation.NewWeighted(bundle.Logger(), bundle.EventLoop(), bundle.RuntimeCfg())
		bundle.EventLoop().AddEvent(nbft.CommitEvent{Entry: entry})
		for bundle.EventLoop().Tick(context.Background()) {
		}
	}

	for view := nbft.View(1); view <= 10; view++ {
		leader := rotations[0].GetLeader(view)
		if leader < 1 || leader > 4 {
			t.Fatalf("leader %d of view %d is not a replica", leader, view)
		}
		for i, ld := range rotations[1:] {
			if got := ld.GetLeader(view); got != leader {
				t.Fatalf("replica %d picked leader %d for view %d, replica 1 picked %d",
					i+2, got, view, leader)
			}
		}
	}
}

func TestUnknownStrategyName(t *testing.T) {
	set := testutil.NewEssentialsSet(t, 4, crypto.NameEDDSA)
	if _, err := leaderrotation.New(set[0].Logger(), set[0].EventLoop(), set[0].RuntimeCfg(), "lottery"); err == nil {
		t.Error("expected an error for an unknown strategy name")
	}
}

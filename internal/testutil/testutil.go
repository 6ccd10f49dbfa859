// Package testutil provides helper methods that are useful for implementing tests.
package testutil

import (
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/crypto"
	"github.com/radman021/nbft/security/crypto/keygen"
)

// GenerateKey generates a private key for the named crypto implementation.
func GenerateKey(t testing.TB, cryptoName string) nbft.PrivateKey {
	t.Helper()
	key, err := keygen.GeneratePrivateKey(cryptoName)
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}
	return key
}

// NewRuntimeConfigs creates a runtime configuration for each of n replicas
// with sequential IDs starting from 1. All replicas know each other's public keys.
func NewRuntimeConfigs(t testing.TB, n int, cryptoName string, opts ...core.RuntimeOption) []*core.RuntimeConfig {
	t.Helper()
	keys := make([]nbft.PrivateKey, n)
	replicas := make([]*nbft.ReplicaInfo, n)
	for i := 0; i < n; i++ {
		keys[i] = GenerateKey(t, cryptoName)
		replicas[i] = &nbft.ReplicaInfo{
			ID:     nbft.ID(i + 1),
			PubKey: keys[i].Public(),
		}
	}
	configs := make([]*core.RuntimeConfig, n)
	for i := 0; i < n; i++ {
		config := core.NewRuntimeConfig(nbft.ID(i+1), keys[i], opts...)
		for _, replica := range replicas {
			config.AddReplica(replica)
		}
		configs[i] = config
	}
	return configs
}

// NewAuthority creates a certificate authority for the given runtime configuration.
func NewAuthority(t testing.TB, config *core.RuntimeConfig, cryptoName string, opts ...cert.Option) *cert.Authority {
	t.Helper()
	base, err := crypto.New(config, cryptoName)
	if err != nil {
		t.Fatalf("Failed to create crypto implementation: %v", err)
	}
	return cert.NewAuthority(config, base, opts...)
}

// NewAuthorities creates one certificate authority per replica in a
// configuration of n replicas.
func NewAuthorities(t testing.TB, n int, cryptoName string, opts ...cert.Option) []*cert.Authority {
	t.Helper()
	configs := NewRuntimeConfigs(t, n, cryptoName)
	authorities := make([]*cert.Authority, n)
	for i, config := range configs {
		authorities[i] = NewAuthority(t, config, cryptoName, opts...)
	}
	return authorities
}

// CreateVote creates a vote using the given authority.
func CreateVote(t testing.TB, authority *cert.Authority, phase nbft.Phase, view nbft.View, seq nbft.Sequence, digest nbft.Hash) nbft.Vote {
	t.Helper()
	vote, err := authority.CreateVote(phase, view, seq, digest)
	if err != nil {
		t.Fatalf("Failed to create vote: %v", err)
	}
	return vote
}

// CreateVotes creates one vote from each of the given authorities.
func CreateVotes(t testing.TB, authorities []*cert.Authority, phase nbft.Phase, view nbft.View, seq nbft.Sequence, digest nbft.Hash) []nbft.Vote {
	t.Helper()
	votes := make([]nbft.Vote, 0, len(authorities))
	for _, authority := range authorities {
		votes = append(votes, CreateVote(t, authority, phase, view, seq, digest))
	}
	return votes
}

// CreatePrepareCert creates a prepare certificate signed by the given authorities.
func CreatePrepareCert(t testing.TB, authorities []*cert.Authority, view nbft.View, seq nbft.Sequence, digest nbft.Hash) nbft.PrepareCert {
	t.Helper()
	votes := CreateVotes(t, authorities, nbft.PhasePrepare, view, seq, digest)
	cert, err := authorities[0].CreatePrepareCert(votes)
	if err != nil {
		t.Fatalf("Failed to create prepare certificate: %v", err)
	}
	return cert
}

// CreateCommitCert creates a commit certificate signed by the given authorities,
// nesting a prepare certificate from the same authorities.
func CreateCommitCert(t testing.TB, authorities []*cert.Authority, view nbft.View, seq nbft.Sequence, digest nbft.Hash) nbft.CommitCert {
	t.Helper()
	prepare := CreatePrepareCert(t, authorities, view, seq, digest)
	votes := CreateVotes(t, authorities, nbft.PhaseCommit, view, seq, digest)
	cert, err := authorities[0].CreateCommitCert(prepare, votes)
	if err != nil {
		t.Fatalf("Failed to create commit certificate: %v", err)
	}
	return cert
}

// CreateCheckpointCert creates a checkpoint certificate signed by the given authorities.
func CreateCheckpointCert(t testing.TB, authorities []*cert.Authority, seq nbft.Sequence, stateDigest nbft.Hash) nbft.CheckpointCert {
	t.Helper()
	msgs := make([]nbft.CheckpointMsg, 0, len(authorities))
	for i, authority := range authorities {
		msg := nbft.CheckpointMsg{ID: nbft.ID(i + 1), Seq: seq, StateDigest: stateDigest}
		if err := authority.SignCheckpoint(&msg); err != nil {
			t.Fatalf("Failed to sign checkpoint: %v", err)
		}
		msgs = append(msgs, msg)
	}
	cert, err := authorities[0].CreateCheckpointCert(msgs)
	if err != nil {
		t.Fatalf("Failed to create checkpoint certificate: %v", err)
	}
	return cert
}

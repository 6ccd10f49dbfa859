// Package core provides the runtime configuration shared by the components of
// a replica: its identity and key, the membership, and the protocol
// parameters.
package core

import (
	"github.com/radman021/nbft"
)

// RuntimeConfig stores runtime configuration settings.
type RuntimeConfig struct {
	id         nbft.ID
	privateKey nbft.PrivateKey

	replicas map[nbft.ID]*nbft.ReplicaInfo

	checkpointInterval nbft.Sequence
	proposalWindow     nbft.Sequence
	batchSize          uint32

	sharedRandomSeed     int64
	groupCount           int
	syncVoteVerification bool
}

// NewRuntimeConfig returns a new runtime configuration for the replica with
// the given id and private key.
func NewRuntimeConfig(id nbft.ID, pk nbft.PrivateKey, opts ...RuntimeOption) *RuntimeConfig {
	g := &RuntimeConfig{
		id:                 id,
		privateKey:         pk,
		replicas:           make(map[nbft.ID]*nbft.ReplicaInfo),
		checkpointInterval: 100,
		proposalWindow:     200,
		batchSize:          1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ID returns the ID.
func (g *RuntimeConfig) ID() nbft.ID {
	return g.id
}

// PrivateKey returns the private key.
func (g *RuntimeConfig) PrivateKey() nbft.PrivateKey {
	return g.privateKey
}

// AddReplica adds information about a replica.
func (g *RuntimeConfig) AddReplica(replicaInfo *nbft.ReplicaInfo) {
	g.replicas[replicaInfo.ID] = replicaInfo
}

// ReplicaInfo returns a replica if it is present in the configuration.
func (g *RuntimeConfig) ReplicaInfo(id nbft.ID) (replica *nbft.ReplicaInfo, ok bool) {
	replica, ok = g.replicas[id]
	return
}

// Replicas returns all replicas in the configuration.
func (g *RuntimeConfig) Replicas() map[nbft.ID]*nbft.ReplicaInfo {
	return g.replicas
}

// ReplicaCount returns the number of replicas in the configuration.
func (g *RuntimeConfig) ReplicaCount() int {
	return len(g.replicas)
}

// QuorumSize returns the number of votes needed to form a certificate.
func (g *RuntimeConfig) QuorumSize() int {
	return nbft.QuorumSize(g.ReplicaCount())
}

// NumFaulty returns the number of Byzantine replicas the configuration tolerates.
func (g *RuntimeConfig) NumFaulty() int {
	return nbft.NumFaulty(g.ReplicaCount())
}

// CheckpointInterval returns the number of committed sequences between checkpoints.
func (g *RuntimeConfig) CheckpointInterval() nbft.Sequence {
	return g.checkpointInterval
}

// ProposalWindow returns the maximum number of sequences that may be in
// flight above the last committed sequence.
func (g *RuntimeConfig) ProposalWindow() nbft.Sequence {
	return g.proposalWindow
}

// BatchSize returns the maximum number of requests in one proposal batch.
func (g *RuntimeConfig) BatchSize() uint32 {
	return g.batchSize
}

// SharedRandomSeed returns a random number that is shared between all replicas.
func (g *RuntimeConfig) SharedRandomSeed() int64 {
	return g.sharedRandomSeed
}

// GroupCount returns the number of dissemination groups, or 0 if grouped
// dissemination is disabled.
func (g *RuntimeConfig) GroupCount() int {
	return g.groupCount
}

// SyncVoteVerification returns true if votes should be verified on the event
// loop instead of in a background goroutine.
func (g *RuntimeConfig) SyncVoteVerification() bool {
	return g.syncVoteVerification
}

package leaderrotation

import (
	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
)

type roundRobin struct {
	config *core.RuntimeConfig
}

// NewRoundRobin returns a leader rotation that walks the replica IDs in view order.
func NewRoundRobin(config *core.RuntimeConfig) LeaderRotation {
	return &roundRobin{config: config}
}

// GetLeader returns the id of the leader in the given view.
func (rr *roundRobin) GetLeader(view nbft.View) nbft.ID {
	// assume IDs start at 1
	return ChooseRoundRobin(view, rr.config.ReplicaCount())
}

// ChooseRoundRobin returns the id of the replica whose turn it is in the given view.
func ChooseRoundRobin(view nbft.View, numReplicas int) nbft.ID {
	return nbft.ID(view%nbft.View(numReplicas) + 1)
}

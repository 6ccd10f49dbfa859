package leaderrotation

import "github.com/radman021/nbft"

type fixed struct {
	leader nbft.ID
}

// NewFixed returns a leader rotation that keeps the same leader in every view.
func NewFixed(leader nbft.ID) LeaderRotation {
	return fixed{leader: leader}
}

// GetLeader returns the id of the leader in the given view.
func (f fixed) GetLeader(_ nbft.View) nbft.ID {
	return f.leader
}

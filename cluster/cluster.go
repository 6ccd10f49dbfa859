// Package cluster partitions the membership into dissemination groups using
// consistent hashing. The assignment is a pure function of the view and the
// membership, so every replica computes the same groups without
// coordination.
package cluster

import (
	"fmt"

	"github.com/radman021/nbft"
)

// Groups partitions the replicas into count groups. Replicas are taken in
// clockwise ring order starting from a position seeded by the view, so the
// partition changes from view to view but is identical on every replica.
func Groups(view nbft.View, ids []nbft.ID, count int) [][]nbft.ID {
	if count <= 0 || len(ids) == 0 {
		return nil
	}
	if count > len(ids) {
		count = len(ids)
	}
	ring := NewRing(ids)
	next := ring.Walk(fmt.Sprintf("%d_%d", view, len(ids)))
	size := (len(ids) + count - 1) / count
	assigned := make(map[nbft.ID]bool, len(ids))
	groups := make([][]nbft.ID, 0, count)
	for g := 0; g < count && len(assigned) < len(ids); g++ {
		group := make([]nbft.ID, 0, size)
		for len(group) < size && len(assigned) < len(ids) {
			id := next()
			for assigned[id] {
				id = next()
			}
			group = append(group, id)
			assigned[id] = true
		}
		groups = append(groups, group)
	}
	return groups
}

// Representative returns the replica that relays messages for the group with
// the given index.
func Representative(view nbft.View, group []nbft.ID, index int) nbft.ID {
	return NewRing(group).Next(fmt.Sprintf("%d|%d", view, index))
}

// GroupOf returns the index and members of the group containing the replica.
func GroupOf(groups [][]nbft.ID, id nbft.ID) (index int, group []nbft.ID, ok bool) {
	for i, g := range groups {
		for _, member := range g {
			if member == id {
				return i, g, true
			}
		}
	}
	return 0, nil, false
}

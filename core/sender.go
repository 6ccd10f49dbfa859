package core

import (
	"github.com/radman021/nbft"
)

// Sender handles the network layer of the consensus protocol by methods for
// sending specific messages. Broadcasts go to every other replica; a module
// that needs its own message must deliver it to the local event loop itself.
type Sender interface {
	// Propose broadcasts a proposal to the replicas.
	Propose(proposal nbft.ProposeMsg)
	// Vote broadcasts a vote to the replicas.
	Vote(msg nbft.VoteMsg)
	// ViewChange broadcasts a view change message to the replicas.
	ViewChange(msg nbft.ViewChangeMsg)
	// NewView broadcasts a new view message to the replicas.
	NewView(msg nbft.NewViewMsg)
	// Checkpoint broadcasts a checkpoint vote to the replicas.
	Checkpoint(msg nbft.CheckpointMsg)
	// FetchEntries asks a replica for committed log entries.
	// Returns an error if the replica was not found.
	FetchEntries(id nbft.ID, msg nbft.FetchEntriesMsg) error
	// Entries answers a fetch with committed log entries.
	// Returns an error if the replica was not found.
	Entries(id nbft.ID, msg nbft.EntriesMsg) error
}

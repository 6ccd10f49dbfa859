package testutil

import (
	"sync"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
)

// MockSender records the messages sent through it.
type MockSender struct {
	mut          sync.Mutex
	id           nbft.ID
	messagesSent []any
}

func NewMockSender(id nbft.ID) *MockSender {
	return &MockSender{id: id}
}

// MessagesSent returns every message sent so far.
func (m *MockSender) MessagesSent() []any {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]any(nil), m.messagesSent...)
}

func (m *MockSender) save(msg any) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.messagesSent = append(m.messagesSent, msg)
}

func (m *MockSender) Propose(proposal nbft.ProposeMsg) {
	m.save(proposal)
}

func (m *MockSender) Vote(msg nbft.VoteMsg) {
	m.save(msg)
}

func (m *MockSender) ViewChange(msg nbft.ViewChangeMsg) {
	m.save(msg)
}

func (m *MockSender) NewView(msg nbft.NewViewMsg) {
	m.save(msg)
}

func (m *MockSender) Checkpoint(msg nbft.CheckpointMsg) {
	m.save(msg)
}

func (m *MockSender) FetchEntries(_ nbft.ID, msg nbft.FetchEntriesMsg) error {
	m.save(msg)
	return nil
}

func (m *MockSender) Entries(_ nbft.ID, msg nbft.EntriesMsg) error {
	m.save(msg)
	return nil
}

// Proposals returns the proposals sent so far.
func (m *MockSender) Proposals() (proposals []nbft.ProposeMsg) {
	for _, msg := range m.MessagesSent() {
		if proposal, ok := msg.(nbft.ProposeMsg); ok {
			proposals = append(proposals, proposal)
		}
	}
	return proposals
}

// Votes returns the vote messages sent so far.
func (m *MockSender) Votes() (votes []nbft.VoteMsg) {
	for _, msg := range m.MessagesSent() {
		if vote, ok := msg.(nbft.VoteMsg); ok {
			votes = append(votes, vote)
		}
	}
	return votes
}

// ViewChanges returns the view change messages sent so far.
func (m *MockSender) ViewChanges() (viewChanges []nbft.ViewChangeMsg) {
	for _, msg := range m.MessagesSent() {
		if vc, ok := msg.(nbft.ViewChangeMsg); ok {
			viewChanges = append(viewChanges, vc)
		}
	}
	return viewChanges
}

// NewViews returns the new view messages sent so far.
func (m *MockSender) NewViews() (newViews []nbft.NewViewMsg) {
	for _, msg := range m.MessagesSent() {
		if nv, ok := msg.(nbft.NewViewMsg); ok {
			newViews = append(newViews, nv)
		}
	}
	return newViews
}

// Checkpoints returns the checkpoint votes sent so far.
func (m *MockSender) Checkpoints() (checkpoints []nbft.CheckpointMsg) {
	for _, msg := range m.MessagesSent() {
		if cp, ok := msg.(nbft.CheckpointMsg); ok {
			checkpoints = append(checkpoints, cp)
		}
	}
	return checkpoints
}

// FetchRequests returns the entry fetch requests sent so far.
func (m *MockSender) FetchRequests() (requests []nbft.FetchEntriesMsg) {
	for _, msg := range m.MessagesSent() {
		if req, ok := msg.(nbft.FetchEntriesMsg); ok {
			requests = append(requests, req)
		}
	}
	return requests
}

// EntryReplies returns the entry replies sent so far.
func (m *MockSender) EntryReplies() (replies []nbft.EntriesMsg) {
	for _, msg := range m.MessagesSent() {
		if reply, ok := msg.(nbft.EntriesMsg); ok {
			replies = append(replies, reply)
		}
	}
	return replies
}

var _ core.Sender = (*MockSender)(nil)

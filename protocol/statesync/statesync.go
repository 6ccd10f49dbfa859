// Package statesync fills gaps in the replicated log. A replica that holds
// commit certificates it cannot apply, or that rejoins after a crash, fetches
// the missing entries and their certificates from peers and feeds them to the
// committer once verified.
package statesync

import (
	"fmt"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/cluster"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/consensus"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
)

// fetchRetryInterval is how long a donor gets to fill the gap before the
// fetch moves on to the next donor.
const fetchRetryInterval = time.Second

// fetchTimeoutEvent fires when the current donor has not filled the gap in
// time.
type fetchTimeoutEvent struct {
	target nbft.Sequence
}

// StateSync fetches missing log entries from peers and serves such fetches
// for them. Donor order is a consistent hash walk over the membership, so
// concurrent fetchers spread their load over different donors.
type StateSync struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	auth *cert.Authority

	committer *consensus.Committer

	commitLog *commitlog.Log

	sender core.Sender

	ring     *cluster.Ring
	donors   []nbft.ID
	next     int
	inflight bool
	from     nbft.Sequence
	target   nbft.Sequence // 0 means fetch until the donors run dry
	mark     nbft.Sequence // log position when the retry timer was armed
	retry    *time.Timer
}

// New returns a new StateSync and registers its handlers with the event loop.
func New(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// security dependencies
	auth *cert.Authority,

	// protocol dependencies
	committer *consensus.Committer,

	// service dependencies
	commitLog *commitlog.Log,

	// network dependencies
	sender core.Sender,
) *StateSync {
	ids := make([]nbft.ID, 0, config.ReplicaCount())
	for id := range config.Replicas() {
		ids = append(ids, id)
	}
	s := &StateSync{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		auth:      auth,
		committer: committer,
		commitLog: commitLog,
		sender:    sender,
		ring:      cluster.NewRing(ids),
		retry:     time.AfterFunc(0, func() {}),
	}
	eventloop.Register(eventLoop, func(event nbft.SyncNeededEvent) {
		s.OnSyncNeeded(event)
	})
	eventloop.Register(eventLoop, func(event fetchTimeoutEvent) {
		s.onFetchTimeout(event)
	})
	eventloop.Register(eventLoop, func(event nbft.CommitEvent) {
		s.onProgress()
	})
	eventloop.Register(eventLoop, func(msg nbft.FetchEntriesMsg) {
		s.OnFetchRequest(msg)
	})
	eventloop.Register(eventLoop, func(msg nbft.EntriesMsg) {
		s.OnEntries(msg)
	})
	return s
}

// Start probes the cluster for entries committed while this replica was
// offline. It should be called once the transport is up.
func (s *StateSync) Start() {
	s.eventLoop.AddEvent(nbft.SyncNeededEvent{From: s.commitLog.LastCommitted() + 1})
}

// OnSyncNeeded starts or widens a fetch for the missing range. A zero To
// fetches until the donors have nothing more to offer.
func (s *StateSync) OnSyncNeeded(event nbft.SyncNeededEvent) {
	from := event.From
	if last := s.commitLog.LastCommitted(); from <= last {
		from = last + 1
	}
	if event.To != 0 && event.To < from {
		return
	}
	if s.inflight && (s.target == 0 || (event.To != 0 && event.To <= s.target)) {
		return
	}
	if !s.inflight {
		s.donors = s.donorOrder(from)
		s.next = 0
	}
	s.inflight = true
	s.from = from
	s.target = event.To
	s.fetch()
}

// donorOrder walks the ring from a position seeded by this replica and the
// gap, skipping the replica itself.
func (s *StateSync) donorOrder(from nbft.Sequence) []nbft.ID {
	order := s.ring.Ordered(fmt.Sprintf("sync|%d|%d", s.config.ID(), from), s.ring.Len())
	donors := make([]nbft.ID, 0, len(order)-1)
	for _, id := range order {
		if id != s.config.ID() {
			donors = append(donors, id)
		}
	}
	return donors
}

func (s *StateSync) fetch() {
	if len(s.donors) == 0 {
		s.logger.Warnf("no peers to sync entries [%d, %d] from", s.from, s.target)
		s.finish()
		return
	}
	donor := s.donors[s.next%len(s.donors)]
	s.next++
	msg := nbft.FetchEntriesMsg{ID: s.config.ID(), From: s.from, To: s.target}
	s.logger.Debugf("fetching entries [%d, %d] from replica %d", msg.From, msg.To, donor)
	if err := s.sender.FetchEntries(donor, msg); err != nil {
		s.logger.Debugf("fetch from replica %d failed: %v", donor, err)
	}
	s.retry.Stop()
	s.mark = s.commitLog.LastCommitted()
	target := s.target
	s.retry = time.AfterFunc(fetchRetryInterval, func() {
		s.eventLoop.AddEvent(fetchTimeoutEvent{target: target})
	})
}

func (s *StateSync) onFetchTimeout(event fetchTimeoutEvent) {
	if !s.inflight || event.target != s.target {
		return
	}
	last := s.commitLog.LastCommitted()
	// an open ended fetch is over once a full donor round brought nothing
	if s.target == 0 && last == s.mark && s.next >= len(s.donors) {
		s.finish()
		return
	}
	if last >= s.from {
		s.from = last + 1
	}
	s.fetch()
}

func (s *StateSync) onProgress() {
	if !s.inflight {
		return
	}
	if s.target != 0 && s.commitLog.LastCommitted() >= s.target {
		s.finish()
	}
}

func (s *StateSync) finish() {
	s.inflight = false
	s.donors = nil
	s.retry.Stop()
}

// OnFetchRequest serves committed entries to a lagging peer.
func (s *StateSync) OnFetchRequest(msg nbft.FetchEntriesMsg) {
	entries, err := s.commitLog.Entries(msg.From, msg.To)
	if err != nil {
		s.logger.Errorf("reading entries [%d, %d] for replica %d: %v", msg.From, msg.To, msg.ID, err)
		return
	}
	if len(entries) == 0 {
		s.logger.Debugf("no entries in [%d, %d] for replica %d", msg.From, msg.To, msg.ID)
		return
	}
	s.logger.Debugf("sending %d entries to replica %d", len(entries), msg.ID)
	if err := s.sender.Entries(msg.ID, nbft.EntriesMsg{ID: s.config.ID(), Entries: entries}); err != nil {
		s.logger.Debugf("sending entries to replica %d failed: %v", msg.ID, err)
	}
}

// OnEntries verifies fetched entries and hands them to the committer. The
// entries of a message are dropped from the first invalid one on, since a
// donor that forged one entry cannot be trusted for the rest.
func (s *StateSync) OnEntries(msg nbft.EntriesMsg) {
	last := s.commitLog.LastCommitted()
	for _, entry := range msg.Entries {
		if entry.Seq <= last {
			continue
		}
		if err := verifyEntry(s.auth, entry); err != nil {
			s.logger.Warnf("dropping entries from replica %d: %v", msg.ID, err)
			return
		}
		s.committer.Deliver(entry.Request, entry.Cert)
	}
}

func verifyEntry(auth *cert.Authority, entry nbft.LogEntry) error {
	if entry.Cert.Seq() != entry.Seq {
		return fmt.Errorf("certificate covers seq %d, entry has seq %d", entry.Cert.Seq(), entry.Seq)
	}
	if entry.Cert.Digest() != entry.Digest {
		return fmt.Errorf("certificate digest does not match entry digest at seq %d", entry.Seq)
	}
	if entry.Request.Digest() != entry.Digest {
		return fmt.Errorf("request does not match entry digest at seq %d", entry.Seq)
	}
	return auth.VerifyCommitCert(entry.Cert)
}

// Package certifier collects votes and assembles them into certificates.
package certifier

import (
	"sort"
	"sync"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/security/cert"
)

type key struct {
	view nbft.View
	seq  nbft.Sequence
}

type voteSet struct {
	votes map[nbft.ID]nbft.Vote
	done  bool
}

func newVoteSet() *voteSet {
	return &voteSet{votes: make(map[nbft.ID]nbft.Vote)}
}

type checkpointSet struct {
	// votes per state digest; only matching votes can form a certificate
	votes map[nbft.Hash]map[nbft.ID]nbft.CheckpointMsg
	done  bool
}

// Certifier tracks the accepted proposal and the votes for every sequence in
// flight. It assembles a certificate exactly once per phase, view and
// sequence, and records evidence when a replica endorses a conflicting
// digest. Assembled certificates are kept per sequence, preferring the
// certificate from the highest view, until a checkpoint prunes them.
type Certifier struct {
	logger    logging.Logger
	eventLoop *eventloop.EventLoop
	config    *core.RuntimeConfig
	auth      *cert.Authority

	mut          sync.Mutex
	view         nbft.View
	pruned       nbft.Sequence
	accepted     map[key]nbft.Hash
	requests     map[nbft.Sequence]nbft.Request
	prepareVotes map[key]*voteSet
	commitVotes  map[key]*voteSet
	checkpoints  map[nbft.Sequence]*checkpointSet
	prepareCerts map[nbft.Sequence]nbft.PrepareCert
	commitCerts  map[nbft.Sequence]nbft.CommitCert
}

// New returns a new certifier. It handles vote and checkpoint messages from
// the event loop, prunes its state when checkpoints become stable, and drops
// stale vote state when the view changes.
func New(
	logger logging.Logger,
	eventLoop *eventloop.EventLoop,
	config *core.RuntimeConfig,
	auth *cert.Authority,
) *Certifier {
	c := &Certifier{
		logger:       logger,
		eventLoop:    eventLoop,
		config:       config,
		auth:         auth,
		view:         1,
		accepted:     make(map[key]nbft.Hash),
		requests:     make(map[nbft.Sequence]nbft.Request),
		prepareVotes: make(map[key]*voteSet),
		commitVotes:  make(map[key]*voteSet),
		checkpoints:  make(map[nbft.Sequence]*checkpointSet),
		prepareCerts: make(map[nbft.Sequence]nbft.PrepareCert),
		commitCerts:  make(map[nbft.Sequence]nbft.CommitCert),
	}
	eventLoop.RegisterHandler(nbft.VoteMsg{}, func(event any) {
		c.OnVote(event.(nbft.VoteMsg))
	})
	eventLoop.RegisterHandler(nbft.CheckpointMsg{}, func(event any) {
		c.OnCheckpoint(event.(nbft.CheckpointMsg))
	})
	eventLoop.RegisterHandler(nbft.CheckpointEvent{}, func(event any) {
		c.Prune(event.(nbft.CheckpointEvent).Cert.Seq())
	})
	eventLoop.RegisterHandler(nbft.ViewChangeEvent{}, func(event any) {
		c.advanceView(event.(nbft.ViewChangeEvent).View)
	})
	return c
}

// Accept fixes the digest that votes are collected for at the proposal's view
// and sequence. The first accepted proposal wins; later calls for the same
// view and sequence are ignored. The caller must have validated the proposal.
func (c *Certifier) Accept(proposal nbft.ProposeMsg) {
	c.mut.Lock()
	defer c.mut.Unlock()
	k := key{proposal.View, proposal.Seq}
	if _, ok := c.accepted[k]; ok {
		return
	}
	c.accepted[k] = proposal.Digest
	c.requests[proposal.Seq] = proposal.Request
}

// RequestAt returns the request of the latest accepted proposal for the given
// sequence number.
func (c *Certifier) RequestAt(seq nbft.Sequence) (nbft.Request, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	request, ok := c.requests[seq]
	return request, ok
}

// OnVote handles an incoming prepare or commit vote.
func (c *Certifier) OnVote(vote nbft.VoteMsg) {
	v := vote.Vote
	c.logger.Debugf("OnVote(%d): %s", vote.ID, v)

	if v.Phase() != nbft.PhasePrepare && v.Phase() != nbft.PhaseCommit {
		return
	}
	if vote.ID != v.Signer() {
		c.logger.Debugf("OnVote: dropping vote from %d signed by %d", vote.ID, v.Signer())
		return
	}

	c.mut.Lock()
	view := c.view
	pruned := c.pruned
	_, haveAccepted := c.accepted[key{v.View(), v.Seq()}]
	c.mut.Unlock()

	if v.Seq() <= pruned || v.View() < view {
		return
	}
	if v.View() > view {
		// not in this view yet; try again after the next view change
		if vote.Deferred {
			return
		}
		vote.Deferred = true
		c.eventLoop.DelayUntil(nbft.ViewChangeEvent{}, vote)
		return
	}
	if !haveAccepted {
		// no proposal accepted at this view and sequence yet.
		// hopefully one has arrived by the time the vote is retried.
		if vote.Deferred {
			c.logger.Debugf("OnVote: no accepted proposal for vote: %s", v)
			return
		}
		vote.Deferred = true
		c.eventLoop.DelayUntil(nbft.ProposeMsg{}, vote)
		return
	}
	if c.config.SyncVoteVerification() {
		c.verifyVote(v)
	} else {
		go c.verifyVote(v)
	}
}

func (c *Certifier) verifyVote(v nbft.Vote) {
	if err := c.auth.VerifyVote(v); err != nil {
		c.logger.Infof("OnVote: vote from %d could not be verified: %v", v.Signer(), err)
		return
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if v.Seq() <= c.pruned || v.View() < c.view {
		return
	}

	k := key{v.View(), v.Seq()}
	// only a vote carrying a valid signature counts as evidence of
	// equivocation; forged conflicts were already dropped above.
	if accepted, ok := c.accepted[k]; ok && v.Digest() != accepted {
		c.eventLoop.AddEvent(nbft.EquivocationEvent{
			Source:      v.Signer(),
			View:        v.View(),
			Seq:         v.Seq(),
			Accepted:    accepted,
			Conflicting: v.Digest(),
		})
		return
	}
	var set *voteSet
	switch v.Phase() {
	case nbft.PhasePrepare:
		set = c.getVoteSet(c.prepareVotes, k)
	case nbft.PhaseCommit:
		set = c.getVoteSet(c.commitVotes, k)
	}
	if set.done {
		return
	}
	if _, ok := set.votes[v.Signer()]; ok {
		return
	}
	set.votes[v.Signer()] = v
	if len(set.votes) < c.config.QuorumSize() {
		return
	}

	switch v.Phase() {
	case nbft.PhasePrepare:
		c.assemblePrepareCert(k, set)
	case nbft.PhaseCommit:
		c.assembleCommitCert(k, set)
	}
}

func (c *Certifier) getVoteSet(sets map[key]*voteSet, k key) *voteSet {
	set, ok := sets[k]
	if !ok {
		set = newVoteSet()
		sets[k] = set
	}
	return set
}

func (c *Certifier) assemblePrepareCert(k key, set *voteSet) {
	votes := make([]nbft.Vote, 0, len(set.votes))
	for _, v := range set.votes {
		votes = append(votes, v)
	}
	pc, err := c.auth.CreatePrepareCert(votes)
	if err != nil {
		c.logger.Infof("OnVote: could not create prepare certificate: %v", err)
		return
	}
	set.done = true
	c.storePrepareCert(pc)
	c.eventLoop.AddEvent(nbft.PrepareCertEvent{Cert: pc})

	// commit votes may have reached a quorum before the prepare certificate
	// assembled; retry them now.
	if commits, ok := c.commitVotes[k]; ok && !commits.done && len(commits.votes) >= c.config.QuorumSize() {
		c.assembleCommitCert(k, commits)
	}
}

func (c *Certifier) assembleCommitCert(k key, set *voteSet) {
	prepare, ok := c.prepareCerts[k.seq]
	if !ok || prepare.View() != k.view {
		// wait for the local prepare certificate to assemble
		return
	}
	votes := make([]nbft.Vote, 0, len(set.votes))
	for _, v := range set.votes {
		votes = append(votes, v)
	}
	cc, err := c.auth.CreateCommitCert(prepare, votes)
	if err != nil {
		c.logger.Infof("OnVote: could not create commit certificate: %v", err)
		return
	}
	set.done = true
	c.storeCommitCert(cc)
	c.eventLoop.AddEvent(nbft.CommitCertEvent{Cert: cc})
}

// OnCheckpoint handles an incoming checkpoint vote.
func (c *Certifier) OnCheckpoint(msg nbft.CheckpointMsg) {
	c.logger.Debugf("OnCheckpoint(%d): seq %d", msg.ID, msg.Seq)

	c.mut.Lock()
	pruned := c.pruned
	c.mut.Unlock()
	if msg.Seq <= pruned {
		return
	}

	if c.config.SyncVoteVerification() {
		c.verifyCheckpoint(msg)
	} else {
		go c.verifyCheckpoint(msg)
	}
}

func (c *Certifier) verifyCheckpoint(msg nbft.CheckpointMsg) {
	if err := c.auth.VerifyCheckpoint(msg); err != nil {
		c.logger.Infof("OnCheckpoint: vote from %d could not be verified: %v", msg.ID, err)
		return
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if msg.Seq <= c.pruned {
		return
	}
	set, ok := c.checkpoints[msg.Seq]
	if !ok {
		set = &checkpointSet{votes: make(map[nbft.Hash]map[nbft.ID]nbft.CheckpointMsg)}
		c.checkpoints[msg.Seq] = set
	}
	if set.done {
		return
	}
	byDigest, ok := set.votes[msg.StateDigest]
	if !ok {
		byDigest = make(map[nbft.ID]nbft.CheckpointMsg)
		set.votes[msg.StateDigest] = byDigest
	}
	if _, ok := byDigest[msg.ID]; ok {
		return
	}
	byDigest[msg.ID] = msg
	if len(byDigest) < c.config.QuorumSize() {
		return
	}

	msgs := make([]nbft.CheckpointMsg, 0, len(byDigest))
	for _, m := range byDigest {
		msgs = append(msgs, m)
	}
	cp, err := c.auth.CreateCheckpointCert(msgs)
	if err != nil {
		c.logger.Infof("OnCheckpoint: could not create checkpoint certificate: %v", err)
		return
	}
	set.done = true
	c.eventLoop.AddEvent(nbft.CheckpointEvent{Cert: cp})
}

// AdoptPrepareCert stores a prepare certificate assembled elsewhere, unless a
// certificate from a higher view is already stored for its sequence. The
// certificate must already be verified.
func (c *Certifier) AdoptPrepareCert(cert nbft.PrepareCert) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.storePrepareCert(cert)
}

// AdoptCommitCert stores a commit certificate assembled elsewhere, unless a
// certificate from a higher view is already stored for its sequence. The
// certificate must already be verified.
func (c *Certifier) AdoptCommitCert(cert nbft.CommitCert) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.storeCommitCert(cert)
}

func (c *Certifier) storePrepareCert(cert nbft.PrepareCert) {
	if cert.Seq() <= c.pruned {
		return
	}
	if stored, ok := c.prepareCerts[cert.Seq()]; ok && stored.View() >= cert.View() {
		return
	}
	c.prepareCerts[cert.Seq()] = cert
}

func (c *Certifier) storeCommitCert(cert nbft.CommitCert) {
	if cert.Seq() <= c.pruned {
		return
	}
	if stored, ok := c.commitCerts[cert.Seq()]; ok && stored.View() >= cert.View() {
		return
	}
	c.commitCerts[cert.Seq()] = cert
}

// PrepareCertsAbove returns the stored prepare certificates for sequences
// above the given sequence number, ordered by sequence.
func (c *Certifier) PrepareCertsAbove(seq nbft.Sequence) []nbft.PrepareCert {
	c.mut.Lock()
	defer c.mut.Unlock()
	var certs []nbft.PrepareCert
	for s, cert := range c.prepareCerts {
		if s > seq {
			certs = append(certs, cert)
		}
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].Seq() < certs[j].Seq() })
	return certs
}

// CommitCertsAbove returns the stored commit certificates for sequences above
// the given sequence number, ordered by sequence.
func (c *Certifier) CommitCertsAbove(seq nbft.Sequence) []nbft.CommitCert {
	c.mut.Lock()
	defer c.mut.Unlock()
	var certs []nbft.CommitCert
	for s, cert := range c.commitCerts {
		if s > seq {
			certs = append(certs, cert)
		}
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].Seq() < certs[j].Seq() })
	return certs
}

// Prune drops all vote state, accepted proposals and certificates at or below
// the given sequence number. Late votes for pruned sequences are ignored.
func (c *Certifier) Prune(seq nbft.Sequence) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if seq <= c.pruned {
		return
	}
	c.pruned = seq
	for k := range c.accepted {
		if k.seq <= seq {
			delete(c.accepted, k)
		}
	}
	for s := range c.requests {
		if s <= seq {
			delete(c.requests, s)
		}
	}
	for k := range c.prepareVotes {
		if k.seq <= seq {
			delete(c.prepareVotes, k)
		}
	}
	for k := range c.commitVotes {
		if k.seq <= seq {
			delete(c.commitVotes, k)
		}
	}
	for s := range c.checkpoints {
		if s <= seq {
			delete(c.checkpoints, s)
		}
	}
	for s := range c.prepareCerts {
		if s <= seq {
			delete(c.prepareCerts, s)
		}
	}
	for s := range c.commitCerts {
		if s <= seq {
			delete(c.commitCerts, s)
		}
	}
}

// advanceView drops vote state and accepted proposals from views below the
// new view. Certified sequences keep their certificates so that they can be
// carried into view change messages.
func (c *Certifier) advanceView(view nbft.View) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if view <= c.view {
		return
	}
	c.view = view
	for k := range c.accepted {
		if k.view < view {
			delete(c.accepted, k)
		}
	}
	for k := range c.prepareVotes {
		if k.view < view {
			delete(c.prepareVotes, k)
		}
	}
	for k := range c.commitVotes {
		if k.view < view {
			delete(c.commitVotes, k)
		}
	}
}

package consensus

import (
	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/certifier"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/viewmanager"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
)

type voteKey struct {
	view nbft.View
	seq  nbft.Sequence
}

// Voter answers valid proposals with prepare votes and prepare certificates
// with commit votes. It votes for at most one digest per view and sequence;
// a second proposal with a different digest is recorded as equivocation
// evidence against the leader. Voting is suspended during view changes.
type Voter struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	auth *cert.Authority

	views     *viewmanager.ViewManager
	leaders   leaderrotation.LeaderRotation
	certifier *certifier.Certifier

	commitLog *commitlog.Log

	sender core.Sender

	// digest voted for per view and sequence
	voted map[voteKey]nbft.Hash
	// proposals that arrived ahead of the next expected sequence
	buffered map[nbft.Sequence]nbft.ProposeMsg
	nextSeq  nbft.Sequence
}

// NewVoter creates a new Voter.
func NewVoter(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// security dependencies
	auth *cert.Authority,

	// protocol dependencies
	views *viewmanager.ViewManager,
	leaders leaderrotation.LeaderRotation,
	crt *certifier.Certifier,

	// service dependencies
	commitLog *commitlog.Log,

	// network dependencies
	sender core.Sender,
) *Voter {
	v := &Voter{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		auth:      auth,
		views:     views,
		leaders:   leaders,
		certifier: crt,
		commitLog: commitLog,
		sender:    sender,

		voted:    make(map[voteKey]nbft.Hash),
		buffered: make(map[nbft.Sequence]nbft.ProposeMsg),
		nextSeq:  commitLog.LastCommitted() + 1,
	}
	eventloop.Register(eventLoop, func(proposal nbft.ProposeMsg) {
		v.OnPropose(proposal)
	})
	eventloop.Register(eventLoop, func(event nbft.PrepareCertEvent) {
		v.onPrepareCert(event)
	})
	eventloop.Register(eventLoop, func(event nbft.ViewChangeEvent) {
		v.onViewChange(event)
	})
	eventloop.Register(eventLoop, func(event nbft.CheckpointEvent) {
		v.prune(event.Cert.Seq())
	})
	return v
}

// OnPropose handles an incoming proposal. Proposals ahead of the next
// expected sequence are buffered until the gap closes; proposals outside the
// window above the stable checkpoint are dropped.
func (v *Voter) OnPropose(proposal nbft.ProposeMsg) {
	if v.views.ViewChanging() {
		v.logger.Debugf("OnPropose: dropping proposal for seq %d during a view change", proposal.Seq)
		return
	}
	if proposal.View != v.views.View() {
		v.logger.Debugf("OnPropose: dropping proposal for view %d in view %d", proposal.View, v.views.View())
		return
	}
	if proposal.ID != v.leaders.GetLeader(proposal.View) {
		v.logger.Infof("OnPropose: replica %d does not lead view %d", proposal.ID, proposal.View)
		return
	}
	if err := v.auth.VerifyProposal(proposal); err != nil {
		v.logger.Infof("OnPropose: dropping proposal from replica %d: %v", proposal.ID, err)
		return
	}

	low := v.commitLog.StableCheckpoint().Seq()
	if proposal.Seq <= low || proposal.Seq > low+v.config.ProposalWindow() {
		v.logger.Debugf("OnPropose: seq %d is outside the proposal window", proposal.Seq)
		return
	}

	if proposal.Seq > v.nextSeq {
		v.buffered[proposal.Seq] = proposal
		return
	}
	v.process(proposal)
	for {
		next, ok := v.buffered[v.nextSeq]
		if !ok {
			break
		}
		delete(v.buffered, v.nextSeq)
		v.process(next)
	}
}

func (v *Voter) process(proposal nbft.ProposeMsg) {
	if proposal.Seq == v.nextSeq {
		v.nextSeq++
	}

	k := voteKey{proposal.View, proposal.Seq}
	if accepted, ok := v.voted[k]; ok {
		if accepted != proposal.Digest {
			// the leader proposed two digests at one sequence
			v.eventLoop.AddEvent(nbft.EquivocationEvent{
				Source:      proposal.ID,
				View:        proposal.View,
				Seq:         proposal.Seq,
				Accepted:    accepted,
				Conflicting: proposal.Digest,
			})
		}
		return
	}

	// a re-proposal may carry only a certified digest; vote only with the
	// request body in hand, never on a digest that cannot be checked
	if proposal.Request == (nbft.Request{}) {
		request, ok := v.certifier.RequestAt(proposal.Seq)
		if !ok || request.Digest() != proposal.Digest {
			v.logger.Debugf("OnPropose: no request body for seq %d, abstaining", proposal.Seq)
			return
		}
		proposal.Request = request
	} else if proposal.Request.Digest() != proposal.Digest {
		v.logger.Infof("OnPropose: request from replica %d does not match its digest", proposal.ID)
		return
	}

	v.certifier.Accept(proposal)
	v.voted[k] = proposal.Digest

	vote, err := v.auth.CreateVote(nbft.PhasePrepare, proposal.View, proposal.Seq, proposal.Digest)
	if err != nil {
		v.logger.Errorf("failed to create prepare vote: %v", err)
		return
	}
	v.logger.Debugf("prepare vote for seq %d", proposal.Seq)
	v.sendVote(vote)
}

// onPrepareCert answers a freshly assembled prepare certificate with this
// replica's commit vote.
func (v *Voter) onPrepareCert(event nbft.PrepareCertEvent) {
	pc := event.Cert
	if v.views.ViewChanging() || pc.View() != v.views.View() {
		return
	}
	vote, err := v.auth.CreateVote(nbft.PhaseCommit, pc.View(), pc.Seq(), pc.Digest())
	if err != nil {
		v.logger.Errorf("failed to create commit vote: %v", err)
		return
	}
	v.logger.Debugf("commit vote for seq %d", pc.Seq())
	v.sendVote(vote)
}

func (v *Voter) sendVote(vote nbft.Vote) {
	msg := nbft.VoteMsg{ID: v.config.ID(), Vote: vote}
	v.sender.Vote(msg)
	// collect the vote locally too
	v.eventLoop.AddEvent(msg)
}

func (v *Voter) onViewChange(event nbft.ViewChangeEvent) {
	v.nextSeq = event.Base + 1
	// buffered proposals are from the old view
	v.buffered = make(map[nbft.Sequence]nbft.ProposeMsg)
	for k := range v.voted {
		if k.view < event.View {
			delete(v.voted, k)
		}
	}
}

func (v *Voter) prune(seq nbft.Sequence) {
	if v.nextSeq <= seq {
		v.nextSeq = seq + 1
	}
	for k := range v.voted {
		if k.seq <= seq {
			delete(v.voted, k)
		}
	}
	for s := range v.buffered {
		if s <= seq {
			delete(v.buffered, s)
		}
	}
}

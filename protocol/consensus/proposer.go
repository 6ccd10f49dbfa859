// Package consensus drives requests through the proposal, prepare and commit
// phases: the proposer assigns sequence numbers while this replica leads, the
// voter answers proposals and prepare certificates with votes, and the
// committer applies commit certificates to the log in order.
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

// RequestSource hands the proposer batches of pending client requests.
type RequestSource interface {
	// NextBatch removes and returns up to max pending requests.
	NextBatch(max uint32) []nbft.Request
}

// Proposer assigns sequence numbers to pending requests and broadcasts
// proposals while this replica leads the view. Proposals stay within the
// window above the stable checkpoint; the window caps how many sequences can
// be in flight before a checkpoint certifies the prefix.
type Proposer struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	auth *cert.Authority

	views     *viewmanager.ViewManager
	leaders   leaderrotation.LeaderRotation
	certifier *certifier.Certifier

	commitLog *commitlog.Log
	source    RequestSource

	sender core.Sender

	nextSeq nbft.Sequence
}

// NewProposer creates a new Proposer. It wakes up when the request queue
// signals pending requests, when a view change may have made this replica the
// leader, and when a checkpoint slides the proposal window forward.
func NewProposer(
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
	source RequestSource,

	// network dependencies
	sender core.Sender,
) *Proposer {
	p := &Proposer{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		auth:      auth,
		views:     views,
		leaders:   leaders,
		certifier: crt,
		commitLog: commitLog,
		source:    source,
		sender:    sender,

		nextSeq: commitLog.LastCommitted() + 1,
	}
	eventloop.Register(eventLoop, func(event nbft.BatchReadyEvent) {
		p.ProposeAvailable()
	})
	eventloop.Register(eventLoop, func(event nbft.ViewChangeEvent) {
		p.onViewChange(event)
	})
	eventloop.Register(eventLoop, func(event nbft.CheckpointEvent) {
		p.ProposeAvailable()
	})
	return p
}

// onViewChange resumes sequence numbering above everything the new view
// re-proposed.
func (p *Proposer) onViewChange(event nbft.ViewChangeEvent) {
	next := event.Base + 1
	if certs := p.certifier.PrepareCertsAbove(event.Base); len(certs) > 0 {
		if top := certs[len(certs)-1].Seq() + 1; top > next {
			next = top
		}
	}
	if certs := p.certifier.CommitCertsAbove(event.Base); len(certs) > 0 {
		if top := certs[len(certs)-1].Seq() + 1; top > next {
			next = top
		}
	}
	if last := p.commitLog.LastCommitted(); last+1 > next {
		next = last + 1
	}
	p.nextSeq = next
	p.ProposeAvailable()
}

// ProposeAvailable proposes pending requests while this replica leads the
// current view and the proposal window has room.
func (p *Proposer) ProposeAvailable() {
	view := p.views.View()
	if p.views.ViewChanging() || p.leaders.GetLeader(view) != p.config.ID() {
		return
	}
	high := p.commitLog.StableCheckpoint().Seq() + p.config.ProposalWindow()
	for p.nextSeq <= high {
		batch := p.source.NextBatch(p.batchLimit(high))
		if len(batch) == 0 {
			return
		}
		for _, request := range batch {
			proposal := nbft.ProposeMsg{
				ID:      p.config.ID(),
				View:    view,
				Seq:     p.nextSeq,
				Digest:  request.Digest(),
				Request: request,
			}
			if err := p.auth.SignProposal(&proposal); err != nil {
				p.logger.Errorf("failed to sign proposal: %v", err)
				return
			}
			p.logger.Debugf("proposing %s", proposal)
			p.sender.Propose(proposal)
			// the leader votes on its own proposal through the regular path
			p.eventLoop.AddEvent(proposal)
			p.nextSeq++
		}
	}
	p.logger.Debugf("proposal window is full at seq %d", p.nextSeq)
}

// batchLimit caps the next batch at the configured batch size and at the
// room left in the proposal window.
func (p *Proposer) batchLimit(high nbft.Sequence) uint32 {
	limit := p.config.BatchSize()
	if room := high - p.nextSeq + 1; nbft.Sequence(limit) > room {
		limit = uint32(room)
	}
	return limit
}

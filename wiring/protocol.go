package wiring

import (
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/certifier"
	"github.com/radman021/nbft/protocol/consensus"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/statesync"
	"github.com/radman021/nbft/protocol/viewmanager"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/service/requestqueue"
)

type Protocol struct {
	certifier   *certifier.Certifier
	viewManager *viewmanager.ViewManager
	proposer    *consensus.Proposer
	voter       *consensus.Voter
	committer   *consensus.Committer
	stateSync   *statesync.StateSync
}

// NewProtocol returns the set of dependencies that drive agreement: the vote
// certifier, the view manager, the three consensus roles, and state sync.
func NewProtocol(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// security dependencies
	auth *cert.Authority,
	commitLog *commitlog.Log,

	// protocol dependencies
	leaders leaderrotation.LeaderRotation,
	duration viewduration.ViewDuration,

	// service dependencies
	queue *requestqueue.Queue,

	// network dependencies
	sender core.Sender,
) *Protocol {
	crt := certifier.New(
		logger,
		eventLoop,
		config,
		auth,
	)
	views := viewmanager.New(
		eventLoop,
		logger,
		config,
		auth,
		crt,
		leaders,
		duration,
		commitLog,
		queue,
		sender,
	)
	committer := consensus.NewCommitter(
		eventLoop,
		logger,
		config,
		auth,
		crt,
		commitLog,
		sender,
	)
	return &Protocol{
		certifier:   crt,
		viewManager: views,
		committer:   committer,
		voter: consensus.NewVoter(
			eventLoop,
			logger,
			config,
			auth,
			views,
			leaders,
			crt,
			commitLog,
			sender,
		),
		proposer: consensus.NewProposer(
			eventLoop,
			logger,
			config,
			auth,
			views,
			leaders,
			crt,
			commitLog,
			queue,
			sender,
		),
		stateSync: statesync.New(
			eventLoop,
			logger,
			config,
			auth,
			committer,
			commitLog,
			sender,
		),
	}
}

// Certifier returns the vote certifier instance.
func (p *Protocol) Certifier() *certifier.Certifier {
	return p.certifier
}

// ViewManager returns the view manager instance.
func (p *Protocol) ViewManager() *viewmanager.ViewManager {
	return p.viewManager
}

// Proposer returns the proposer instance.
func (p *Protocol) Proposer() *consensus.Proposer {
	return p.proposer
}

// Voter returns the voter instance.
func (p *Protocol) Voter() *consensus.Voter {
	return p.voter
}

// Committer returns the committer instance.
func (p *Protocol) Committer() *consensus.Committer {
	return p.committer
}

// StateSync returns the state synchronizer instance.
func (p *Protocol) StateSync() *statesync.StateSync {
	return p.stateSync
}

package consensus

import (
	"errors"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/certifier"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
)

type pendingCommit struct {
	cert    nbft.CommitCert
	request nbft.Request
	hasBody bool
}

// Committer applies commit certificates to the log strictly in sequence
// order. Certificates ahead of the log are held until the gap closes; if the
// gap cannot close from local state, the committer asks for state sync. Every
// committed entry is announced with a CommitEvent, and every checkpoint
// interval the committer broadcasts a signed checkpoint vote over the chained
// state digest.
type Committer struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	auth *cert.Authority

	certifier *certifier.Certifier
	commitLog *commitlog.Log

	sender core.Sender

	pending map[nbft.Sequence]pendingCommit
	// checkpoint certificate waiting for the log to catch up
	stashed       nbft.CheckpointCert
	syncRequested bool
}

// NewCommitter creates a new Committer.
func NewCommitter(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// security dependencies
	auth *cert.Authority,

	// protocol dependencies
	crt *certifier.Certifier,

	// service dependencies
	commitLog *commitlog.Log,

	// network dependencies
	sender core.Sender,
) *Committer {
	cm := &Committer{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		auth:      auth,
		certifier: crt,
		commitLog: commitLog,
		sender:    sender,

		pending: make(map[nbft.Sequence]pendingCommit),
	}
	eventloop.Register(eventLoop, func(event nbft.CommitCertEvent) {
		cm.onCommitCert(event)
	})
	eventloop.Register(eventLoop, func(event nbft.CheckpointEvent) {
		cm.install(event.Cert)
	})
	return cm
}

func (cm *Committer) onCommitCert(event nbft.CommitCertEvent) {
	seq := event.Cert.Seq()
	if seq <= cm.commitLog.LastCommitted() {
		return
	}
	if _, ok := cm.pending[seq]; !ok {
		cm.pending[seq] = pendingCommit{cert: event.Cert}
	}
	cm.drain()
}

// Deliver hands the committer a commit certificate together with its request
// body, learned through state sync. The certificate must already be verified.
// Deliver must be called from the event loop.
func (cm *Committer) Deliver(request nbft.Request, commitCert nbft.CommitCert) {
	if commitCert.Seq() <= cm.commitLog.LastCommitted() {
		return
	}
	cm.pending[commitCert.Seq()] = pendingCommit{cert: commitCert, request: request, hasBody: true}
	cm.drain()
}

// drain appends pending certificates in order for as long as the next
// sequence has both a certificate and a matching request body.
func (cm *Committer) drain() {
	progressed := false
	for {
		next := cm.commitLog.LastCommitted() + 1
		p, ok := cm.pending[next]
		if !ok {
			break
		}
		request := p.request
		if !p.hasBody {
			stored, ok := cm.certifier.RequestAt(next)
			if !ok || stored.Digest() != p.cert.Digest() {
				// the body must come from a peer
				break
			}
			request = stored
		}
		entry, err := cm.commitLog.Append(request, p.cert)
		if err != nil {
			if errors.Is(err, commitlog.ErrDuplicate) {
				delete(cm.pending, next)
				continue
			}
			if errors.Is(err, commitlog.ErrDigestMismatch) || errors.Is(err, commitlog.ErrRequestMismatch) {
				// the log conflicts with a commit quorum; that cannot be
				// reconciled, so the replica halts
				cm.logger.Panicf("halting: log integrity violation at seq %d: %v", next, err)
			}
			cm.logger.Errorf("failed to append seq %d: %v", next, err)
			break
		}
		delete(cm.pending, next)
		progressed = true
		cm.logger.Debugf("committed seq %d", entry.Seq)
		cm.eventLoop.AddEvent(nbft.CommitEvent{Entry: entry})
		cm.maybeCheckpoint(entry)
	}
	if progressed {
		cm.syncRequested = false
		if cm.stashed.Seq() > 0 && cm.stashed.Seq() <= cm.commitLog.LastCommitted() {
			stashed := cm.stashed
			cm.stashed = nbft.CheckpointCert{}
			cm.install(stashed)
		}
	}
	cm.requestSyncIfStalled()
}

// requestSyncIfStalled asks the state sync module for the span between the
// log and the highest pending certificate when the gap cannot close locally.
func (cm *Committer) requestSyncIfStalled() {
	if len(cm.pending) == 0 || cm.syncRequested {
		return
	}
	from := cm.commitLog.LastCommitted() + 1
	to := from
	for seq := range cm.pending {
		if seq > to {
			to = seq
		}
	}
	cm.syncRequested = true
	cm.eventLoop.AddEvent(nbft.SyncNeededEvent{From: from, To: to})
}

// maybeCheckpoint broadcasts a checkpoint vote when the entry completes a
// checkpoint interval.
func (cm *Committer) maybeCheckpoint(entry nbft.LogEntry) {
	interval := cm.config.CheckpointInterval()
	if interval == 0 || entry.Seq%interval != 0 {
		return
	}
	msg := nbft.CheckpointMsg{
		ID:          cm.config.ID(),
		Seq:         entry.Seq,
		StateDigest: entry.StateDigest,
	}
	if err := cm.auth.SignCheckpoint(&msg); err != nil {
		cm.logger.Errorf("failed to sign checkpoint vote: %v", err)
		return
	}
	cm.logger.Debugf("checkpoint vote at seq %d", entry.Seq)
	cm.sender.Checkpoint(msg)
	// collect the vote locally too
	cm.eventLoop.AddEvent(msg)
}

// install records a stable checkpoint in the log. A certificate ahead of the
// log is stashed and retried once state sync closes the gap. A state digest
// that conflicts with a quorum's checkpoint cannot be reconciled, so the
// replica halts.
func (cm *Committer) install(checkpoint nbft.CheckpointCert) {
	err := cm.commitLog.Checkpoint(checkpoint)
	var gap *commitlog.SequenceGapError
	switch {
	case err == nil:
		if cm.stashed.Seq() <= checkpoint.Seq() {
			cm.stashed = nbft.CheckpointCert{}
		}
	case errors.As(err, &gap):
		if checkpoint.Seq() > cm.stashed.Seq() {
			cm.stashed = checkpoint
		}
		if !cm.syncRequested {
			cm.syncRequested = true
			cm.eventLoop.AddEvent(nbft.SyncNeededEvent{From: gap.Want, To: checkpoint.Seq()})
		}
	case errors.Is(err, commitlog.ErrStateDivergence):
		cm.logger.Panicf("halting: local log at seq %d diverges from a checkpoint quorum", checkpoint.Seq())
	default:
		cm.logger.Errorf("failed to install checkpoint at seq %d: %v", checkpoint.Seq(), err)
	}
}

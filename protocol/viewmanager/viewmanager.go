// Package viewmanager tracks the current view and runs the view change
// subprotocol that replaces a suspected faulty leader.
package viewmanager

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/protocol/certifier"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
)

// Backlog reports whether the replica is waiting for requests to commit. The
// view timer does not depose an idle leader.
type Backlog interface {
	HasPending() bool
}

type status int

const (
	statusNormal status = iota
	statusViewChanging
)

// ViewManager drives the view change subprotocol. A replica is in normal
// operation until the view timer expires or a quorum of replicas demands a
// higher view; it then broadcasts its certificates and waits for the
// candidate leader to re-propose them in a new view message.
type ViewManager struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig

	auth *cert.Authority

	certifier *certifier.Certifier
	leaders   leaderrotation.LeaderRotation
	duration  viewduration.ViewDuration

	commitLog *commitlog.Log
	backlog   Backlog

	sender core.Sender

	mut       sync.Mutex // protects view, candidate and status for off-loop readers
	view      nbft.View
	candidate nbft.View
	status    status

	timer oneShotTimer

	// view change messages collected per candidate view
	records map[nbft.View]map[nbft.ID]nbft.ViewChangeMsg
	// candidate views for which this replica already built a new view message
	built map[nbft.View]bool
	// replicas that sent a provably inconsistent new view message
	faulty map[nbft.ID]bool
}

// New creates a new ViewManager. The initial view is restored from the last
// committed entry's certificate, so a restarted replica rejoins in the view
// the cluster certified last; an empty log starts at view 1.
func New(
	// core dependencies
	eventLoop *eventloop.EventLoop,
	logger logging.Logger,
	config *core.RuntimeConfig,

	// security dependencies
	auth *cert.Authority,

	// protocol dependencies
	crt *certifier.Certifier,
	leaders leaderrotation.LeaderRotation,
	duration viewduration.ViewDuration,

	// service dependencies
	commitLog *commitlog.Log,
	backlog Backlog,

	// network dependencies
	sender core.Sender,
) *ViewManager {
	view := nbft.View(1)
	if entry, ok := commitLog.Get(commitLog.LastCommitted()); ok && entry.Cert.View() > view {
		view = entry.Cert.View()
	}
	vm := &ViewManager{
		eventLoop: eventLoop,
		logger:    logger,
		config:    config,
		auth:      auth,
		certifier: crt,
		leaders:   leaders,
		duration:  duration,
		commitLog: commitLog,
		backlog:   backlog,
		sender:    sender,

		view:    view,
		timer:   oneShotTimer{time.AfterFunc(0, func() {})}, // dummy timer that is replaced by Start
		records: make(map[nbft.View]map[nbft.ID]nbft.ViewChangeMsg),
		built:   make(map[nbft.View]bool),
		faulty:  make(map[nbft.ID]bool),
	}
	if view > 1 {
		// realign the other view-tracking modules once the loop starts
		eventLoop.AddEvent(nbft.ViewChangeEvent{View: view, Base: commitLog.LastCommitted()})
	}
	eventloop.Register(eventLoop, func(event nbft.TimeoutEvent) {
		vm.onTimeout(event)
	})
	eventloop.Register(eventLoop, func(msg nbft.ViewChangeMsg) {
		vm.OnViewChange(msg)
	})
	eventloop.Register(eventLoop, func(msg nbft.NewViewMsg) {
		vm.OnNewView(msg)
	})
	eventloop.Register(eventLoop, func(event nbft.CommitEvent) {
		vm.onProgress(event)
	})
	return vm
}

// A oneShotTimer is a timer that should not be reused.
type oneShotTimer struct {
	timerDoNotUse *time.Timer
}

func (t oneShotTimer) Stop() bool {
	return t.timerDoNotUse.Stop()
}

func (vm *ViewManager) startTimer(view nbft.View) {
	d := vm.duration.Duration()
	// It is important that the timer is NOT reused because then the view would be wrong.
	vm.timer = oneShotTimer{time.AfterFunc(d, func() {
		// The event loop will execute onTimeout for us.
		vm.eventLoop.AddEvent(nbft.TimeoutEvent{View: view})
	})}
}

// Start arms the view timer for the initial view. The timer is stopped when
// the context is canceled.
func (vm *ViewManager) Start(ctx context.Context) {
	vm.duration.ViewStarted()
	vm.startTimer(vm.View())

	go func() {
		<-ctx.Done()
		vm.timer.Stop()
	}()
}

// View returns the current view.
func (vm *ViewManager) View() nbft.View {
	vm.mut.Lock()
	defer vm.mut.Unlock()
	return vm.view
}

// ViewChanging reports whether the replica has given up on the current view
// and is waiting for a new one. Voting is suspended while view changing.
func (vm *ViewManager) ViewChanging() bool {
	vm.mut.Lock()
	defer vm.mut.Unlock()
	return vm.status == statusViewChanging
}

// Leader returns the leader of the current view.
func (vm *ViewManager) Leader() nbft.ID {
	return vm.leaders.GetLeader(vm.View())
}

// onProgress restarts the view timer whenever an entry commits. A commit
// certified in a higher view is proof that a quorum already moved on, so the
// replica adopts that view directly instead of waiting out its own timeout.
func (vm *ViewManager) onProgress(event nbft.CommitEvent) {
	if certView := event.Entry.Cert.View(); certView > vm.View() {
		vm.advanceTo(certView)
		return
	}
	vm.mut.Lock()
	normal := vm.status == statusNormal
	view := vm.view
	vm.mut.Unlock()
	if !normal {
		return
	}
	vm.timer.Stop()
	vm.duration.ViewSucceeded()
	vm.duration.ViewStarted()
	vm.startTimer(view)
}

// advanceTo moves directly to the given view without a view change exchange.
func (vm *ViewManager) advanceTo(view nbft.View) {
	vm.mut.Lock()
	if view <= vm.view {
		vm.mut.Unlock()
		return
	}
	old := vm.view
	vm.view = view
	vm.candidate = 0
	vm.status = statusNormal
	for v := range vm.records {
		if v <= view {
			delete(vm.records, v)
		}
	}
	for v := range vm.built {
		if v <= view {
			delete(vm.built, v)
		}
	}
	vm.mut.Unlock()

	vm.logger.Infof("advanced from view %d to view %d on commit certificate", old, view)
	vm.timer.Stop()
	vm.eventLoop.AddEvent(nbft.ViewChangeEvent{View: view, Base: vm.commitLog.LastCommitted()})
	vm.duration.ViewStarted()
	vm.startTimer(view)
}

func (vm *ViewManager) onTimeout(event nbft.TimeoutEvent) {
	vm.mut.Lock()
	view, candidate, st := vm.view, vm.candidate, vm.status
	vm.mut.Unlock()

	switch {
	case st == statusNormal && event.View == view:
		if vm.backlog != nil && !vm.backlog.HasPending() {
			// the leader is idle, not faulty
			vm.startTimer(view)
			return
		}
		vm.logger.Infof("view %d timed out", view)
		vm.beginViewChange(view+1, true)
	case st == statusViewChanging && event.View == candidate:
		// the candidate leader did not deliver a new view message in time
		vm.logger.Infof("view change to view %d timed out", candidate)
		vm.beginViewChange(candidate+1, true)
	}
}

// beginViewChange enters the ViewChanging state for the candidate view and
// broadcasts this replica's certificates. timedOut backs off the view
// duration; it is false when the view change is adopted from a quorum rather
// than a local timeout.
func (vm *ViewManager) beginViewChange(candidate nbft.View, timedOut bool) {
	vm.mut.Lock()
	if candidate <= vm.view || (vm.status == statusViewChanging && candidate <= vm.candidate) {
		vm.mut.Unlock()
		return
	}
	vm.status = statusViewChanging
	vm.candidate = candidate
	vm.mut.Unlock()

	if timedOut {
		vm.duration.ViewTimeout()
	}
	vm.timer.Stop()

	msg := vm.buildViewChangeMsg(candidate)
	if err := vm.auth.SignViewChange(&msg); err != nil {
		vm.logger.Errorf("failed to sign view change message: %v", err)
		return
	}
	vm.logger.Infof("starting view change: %s", msg)
	vm.sender.ViewChange(msg)
	vm.recordViewChange(msg)

	// bound the wait for the candidate leader's new view message
	vm.startTimer(candidate)

	// this replica's own record may complete the quorum
	vm.checkViewChangeQuorum(candidate)
}

// buildViewChangeMsg summarizes everything this replica can prove about
// sequences above its stable checkpoint.
func (vm *ViewManager) buildViewChangeMsg(candidate nbft.View) nbft.ViewChangeMsg {
	checkpoint := vm.commitLog.StableCheckpoint()
	base := checkpoint.Seq()

	var prepared []nbft.PreparedRequest
	for _, pc := range vm.certifier.PrepareCertsAbove(base) {
		pr := nbft.PreparedRequest{Cert: pc}
		if request, ok := vm.certifier.RequestAt(pc.Seq()); ok && request.Digest() == pc.Digest() {
			pr.Request = request
		}
		prepared = append(prepared, pr)
	}

	return nbft.ViewChangeMsg{
		ID:         vm.config.ID(),
		NewView:    candidate,
		Checkpoint: checkpoint,
		Prepared:   prepared,
		Committed:  vm.certifier.CommitCertsAbove(base),
	}
}

// recordWindow returns the highest view this replica buffers view change
// records for. Buffering one view past the current candidate is enough:
// replicas that fall behind escalate through timeouts and rebroadcast their
// records, so anything further ahead can be dropped and recovered later.
func (vm *ViewManager) recordWindow() nbft.View {
	vm.mut.Lock()
	defer vm.mut.Unlock()
	window := vm.view + 1
	if vm.status == statusViewChanging && vm.candidate+1 > window {
		window = vm.candidate + 1
	}
	return window
}

// OnViewChange handles an incoming view change message.
func (vm *ViewManager) OnViewChange(msg nbft.ViewChangeMsg) {
	if msg.NewView <= vm.View() {
		return
	}
	if window := vm.recordWindow(); msg.NewView > window {
		vm.logger.Debugf("dropping view change message from replica %d: view %d is beyond window %d", msg.ID, msg.NewView, window)
		return
	}
	if err := vm.auth.VerifyViewChange(msg); err != nil {
		vm.logger.Infof("dropping view change message from replica %d: %v", msg.ID, err)
		return
	}
	vm.recordViewChange(msg)
	vm.checkViewChangeQuorum(msg.NewView)
}

func (vm *ViewManager) recordViewChange(msg nbft.ViewChangeMsg) {
	records, ok := vm.records[msg.NewView]
	if !ok {
		records = make(map[nbft.ID]nbft.ViewChangeMsg)
		vm.records[msg.NewView] = records
	}
	records[msg.ID] = msg
}

func (vm *ViewManager) checkViewChangeQuorum(view nbft.View) {
	if len(vm.records[view]) < vm.config.QuorumSize() {
		return
	}

	// A quorum demands this view. Join the view change even if this replica
	// has seen progress, so a single slow replica cannot hold the view back.
	vm.mut.Lock()
	adopt := vm.status == statusNormal || view > vm.candidate
	vm.mut.Unlock()
	if adopt {
		vm.logger.Infof("adopting view change to view %d demanded by a quorum", view)
		vm.beginViewChange(view, false)
	}

	// beginViewChange recurses into this function through the replica's own
	// record, so the view change may already be over at this point
	if view <= vm.View() {
		return
	}

	if vm.leaders.GetLeader(view) == vm.config.ID() && !vm.built[view] {
		vm.buildNewView(view)
	}
}

// buildNewView assembles and broadcasts the new view message for a candidate
// view this replica leads.
func (vm *ViewManager) buildNewView(view nbft.View) {
	vm.built[view] = true

	records := make([]nbft.ViewChangeMsg, 0, len(vm.records[view]))
	for _, rec := range vm.records[view] {
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b nbft.ViewChangeMsg) int {
		return int(a.ID) - int(b.ID)
	})

	proposals := Reproposals(view, vm.config.ID(), records)
	for i := range proposals {
		if err := vm.auth.SignProposal(&proposals[i]); err != nil {
			vm.logger.Errorf("failed to sign re-proposal: %v", err)
			return
		}
	}

	msg := nbft.NewViewMsg{
		ID:        vm.config.ID(),
		View:      view,
		Records:   records,
		Proposals: proposals,
	}
	if err := vm.auth.SignNewView(&msg); err != nil {
		vm.logger.Errorf("failed to sign new view message: %v", err)
		return
	}
	vm.logger.Infof("broadcasting %s", msg)
	vm.sender.NewView(msg)
	vm.enterView(msg)
}

// OnNewView handles an incoming new view message.
func (vm *ViewManager) OnNewView(msg nbft.NewViewMsg) {
	if msg.View <= vm.View() {
		return
	}
	if vm.faulty[msg.ID] {
		return
	}
	if msg.ID != vm.leaders.GetLeader(msg.View) {
		vm.logger.Infof("dropping new view message from replica %d, who does not lead view %d", msg.ID, msg.View)
		return
	}
	if err := vm.auth.VerifyNewView(msg); err != nil {
		vm.logger.Infof("dropping new view message from replica %d: %v", msg.ID, err)
		return
	}
	if !vm.validateReproposals(msg) {
		// an inconsistent new view message is proof of a faulty leader
		vm.faulty[msg.ID] = true
		return
	}
	vm.enterView(msg)
}

// validateReproposals recomputes the re-proposals from the records carried by
// the message and checks that the leader proposed exactly those digests.
func (vm *ViewManager) validateReproposals(msg nbft.NewViewMsg) bool {
	expected := Reproposals(msg.View, msg.ID, msg.Records)
	if len(msg.Proposals) != len(expected) {
		vm.logger.Warnf("new view message from replica %d re-proposes %d sequences, the records justify %d",
			msg.ID, len(msg.Proposals), len(expected))
		return false
	}
	for i, proposal := range msg.Proposals {
		want := expected[i]
		if proposal.Seq != want.Seq || proposal.View != msg.View || proposal.ID != msg.ID {
			vm.logger.Warnf("new view message from replica %d is malformed at seq %d", msg.ID, proposal.Seq)
			return false
		}
		if proposal.Digest != want.Digest {
			vm.logger.Warnf("new view message from replica %d re-proposes an unjustified digest for seq %d", msg.ID, proposal.Seq)
			vm.eventLoop.AddEvent(nbft.EquivocationEvent{
				Source:      msg.ID,
				View:        msg.View,
				Seq:         proposal.Seq,
				Accepted:    want.Digest,
				Conflicting: proposal.Digest,
			})
			return false
		}
		if proposal.Request != (nbft.Request{}) && proposal.Request.Digest() != proposal.Digest {
			vm.logger.Warnf("new view message from replica %d carries a request that does not match its digest at seq %d",
				msg.ID, proposal.Seq)
			return false
		}
	}
	return true
}

// enterView leaves the view change and resumes normal operation in the view
// established by the message.
func (vm *ViewManager) enterView(msg nbft.NewViewMsg) {
	vm.timer.Stop()

	vm.mut.Lock()
	timedOut := vm.status == statusViewChanging
	vm.view = msg.View
	vm.candidate = 0
	vm.status = statusNormal
	vm.mut.Unlock()

	for view := range vm.records {
		if view <= msg.View {
			delete(vm.records, view)
			delete(vm.built, view)
		}
	}

	// Adopt the certificates proven by the records. Commit certificates above
	// the local log are replayed so the committer can catch up.
	lastCommitted := vm.commitLog.LastCommitted()
	var checkpoint nbft.CheckpointCert
	for _, rec := range msg.Records {
		if rec.Checkpoint.Seq() > checkpoint.Seq() {
			checkpoint = rec.Checkpoint
		}
		for _, pr := range rec.Prepared {
			vm.certifier.AdoptPrepareCert(pr.Cert)
		}
		for _, cc := range rec.Committed {
			vm.certifier.AdoptCommitCert(cc)
			if cc.Seq() > lastCommitted {
				vm.eventLoop.AddEvent(nbft.CommitCertEvent{Cert: cc})
			}
		}
	}
	if checkpoint.Seq() > vm.commitLog.StableCheckpoint().Seq() {
		vm.eventLoop.AddEvent(nbft.CheckpointEvent{Cert: checkpoint})
	}

	vm.logger.Infof("entering view %d led by replica %d", msg.View, msg.ID)
	vm.eventLoop.AddEvent(nbft.ViewChangeEvent{View: msg.View, Base: checkpoint.Seq(), Timeout: timedOut})

	// feed the re-proposals through the regular proposal path
	for _, proposal := range msg.Proposals {
		vm.eventLoop.AddEvent(proposal)
	}

	vm.duration.ViewStarted()
	vm.startTimer(msg.View)
}

// Reproposals derives the proposals the leader of the view must issue from a
// set of view change records. For every sequence above the highest reported
// checkpoint up to the highest certified sequence, the certificate from the
// highest view fixes the digest; sequences nobody holds a certificate for
// become no-op requests so that numbering stays contiguous. The result only
// depends on the set of records, so any replica can recompute it to validate
// a new view message.
func Reproposals(view nbft.View, leader nbft.ID, records []nbft.ViewChangeMsg) []nbft.ProposeMsg {
	type claim struct {
		view    nbft.View
		digest  nbft.Hash
		request nbft.Request
	}

	base := nbft.Sequence(0)
	for _, rec := range records {
		if rec.Checkpoint.Seq() > base {
			base = rec.Checkpoint.Seq()
		}
	}

	top := base
	claims := make(map[nbft.Sequence]*claim)
	consider := func(seq nbft.Sequence, certView nbft.View, digest nbft.Hash, request nbft.Request) {
		if seq <= base {
			return
		}
		if seq > top {
			top = seq
		}
		c, ok := claims[seq]
		if !ok {
			claims[seq] = &claim{view: certView, digest: digest, request: request}
			return
		}
		if certView > c.view {
			c.view = certView
			c.digest = digest
			c.request = nbft.Request{}
		}
		// pick up the request body from whichever record carries it
		if c.request == (nbft.Request{}) && request.Digest() == c.digest {
			c.request = request
		}
	}

	for _, rec := range records {
		for _, pr := range rec.Prepared {
			consider(pr.Cert.Seq(), pr.Cert.View(), pr.Cert.Digest(), pr.Request)
		}
		for _, cc := range rec.Committed {
			consider(cc.Seq(), cc.View(), cc.Digest(), nbft.Request{})
		}
	}

	proposals := make([]nbft.ProposeMsg, 0, top-base)
	for seq := base + 1; seq <= top; seq++ {
		proposal := nbft.ProposeMsg{ID: leader, View: view, Seq: seq}
		if c, ok := claims[seq]; ok {
			proposal.Digest = c.digest
			proposal.Request = c.request
		} else {
			proposal.Request = nbft.NewNoopRequest(seq)
			proposal.Digest = proposal.Request.Digest()
		}
		proposals = append(proposals, proposal)
	}
	return proposals
}

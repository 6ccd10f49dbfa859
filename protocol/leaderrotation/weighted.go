package leaderrotation

import (
	"math/rand"
	"slices"
	"sync"

	wr "github.com/mroth/weightedrand"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
)

// weighted picks leaders at random, weighted by how often each replica has
// contributed votes to recent commit certificates. Every replica picks the
// same leader for a view because the choice is derived from the shared
// random seed.
type weighted struct {
	logger logging.Logger
	config *core.RuntimeConfig

	mut         sync.Mutex // the client surface reads leaders from its own goroutine
	lastSeq     nbft.Sequence
	reputations map[nbft.ID]float64
}

// NewWeighted returns a reputation-weighted leader rotation.
func NewWeighted(logger logging.Logger, eventLoop *eventloop.EventLoop, config *core.RuntimeConfig) LeaderRotation {
	w := &weighted{
		logger:      logger,
		config:      config,
		reputations: make(map[nbft.ID]float64),
	}
	eventloop.Register(eventLoop, func(event nbft.CommitEvent) {
		w.observe(event.Entry)
	})
	return w
}

// observe credits the replicas whose votes are in the commit certificate of a
// committed entry.
func (w *weighted) observe(entry nbft.LogEntry) {
	sig := entry.Cert.Signature()
	if sig == nil {
		return
	}
	w.mut.Lock()
	defer w.mut.Unlock()

	// entries can be observed again after a view change
	if entry.Seq <= w.lastSeq {
		return
	}
	w.lastSeq = entry.Seq

	voters := sig.Participants()
	frac := 2.0 / 3.0 * float64(w.config.ReplicaCount())
	credit := (float64(voters.Len()) - frac) / frac
	voters.ForEach(func(id nbft.ID) {
		w.reputations[id] += credit
	})
}

// GetLeader returns the id of the leader in the given view.
func (w *weighted) GetLeader(view nbft.View) nbft.ID {
	w.mut.Lock()
	defer w.mut.Unlock()

	// use round-robin until the first commit has been observed
	if len(w.reputations) == 0 {
		return ChooseRoundRobin(view, w.config.ReplicaCount())
	}

	weights := make([]wr.Choice, 0, len(w.reputations))
	for id, reputation := range w.reputations {
		weight := uint(reputation * 10)
		if weight == 0 {
			weight = 1
		}
		weights = append(weights, wr.Choice{Item: id, Weight: weight})
	}
	slices.SortFunc(weights, func(a, b wr.Choice) int {
		return int(a.Item.(nbft.ID)) - int(b.Item.(nbft.ID))
	})

	chooser, err := wr.NewChooser(weights...)
	if err != nil {
		w.logger.Error("weightedrand error: ", err)
		return ChooseRoundRobin(view, w.config.ReplicaCount())
	}

	seed := w.config.SharedRandomSeed() + int64(view)
	rnd := rand.New(rand.NewSource(seed))

	leader := chooser.PickSource(rnd).(nbft.ID)
	w.logger.Debugf("picked leader %d for view %d", leader, view)
	return leader
}

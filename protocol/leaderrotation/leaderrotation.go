// Package leaderrotation provides the leader election strategies.
package leaderrotation

import (
	"fmt"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
)

// Names of the available leader rotation strategies.
const (
	NameRoundRobin = "round-robin"
	NameFixed      = "fixed"
	NameWeighted   = "weighted"
)

// LeaderRotation implements a leader rotation scheme.
type LeaderRotation interface {
	// GetLeader returns the id of the leader in the given view.
	GetLeader(nbft.View) nbft.ID
}

// New returns the leader rotation strategy with the given name.
// An empty name selects round-robin.
func New(
	logger logging.Logger,
	eventLoop *eventloop.EventLoop,
	config *core.RuntimeConfig,
	name string,
) (LeaderRotation, error) {
	switch name {
	case "":
		fallthrough // default to round-robin if no name is provided
	case NameRoundRobin:
		return NewRoundRobin(config), nil
	case NameFixed:
		return NewFixed(1), nil
	case NameWeighted:
		return NewWeighted(logger, eventLoop, config), nil
	default:
		return nil, fmt.Errorf("invalid leader rotation strategy: '%s'", name)
	}
}

// Package wiring bundles the components of a replica into dependency sets
// that can be constructed in order.
package wiring

import (
	"fmt"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
)

type Core struct {
	eventLoop *eventloop.EventLoop
	logger    logging.Logger
	config    *core.RuntimeConfig
}

func NewCore(
	id nbft.ID,
	logTag string,
	privKey nbft.PrivateKey,
	opts ...core.RuntimeOption,
) *Core {
	logger := logging.New(fmt.Sprintf("%s%d", logTag, id))
	return &Core{
		config:    core.NewRuntimeConfig(id, privKey, opts...),
		eventLoop: eventloop.New(logger, 100),
		logger:    logger,
	}
}

// EventLoop returns the eventloop instance.
func (c *Core) EventLoop() *eventloop.EventLoop {
	return c.eventLoop
}

// Logger returns the logger instance.
func (c *Core) Logger() logging.Logger {
	return c.logger
}

// RuntimeCfg returns the runtime configuration.
func (c *Core) RuntimeCfg() *core.RuntimeConfig {
	return c.config
}

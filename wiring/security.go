package wiring

import (
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/security/crypto"
)

type Security struct {
	log  *commitlog.Log
	auth *cert.Authority
}

// NewSecurity returns a set of dependencies necessary for log integrity: the
// commit log on top of the given store, and the certificate authority.
func NewSecurity(
	logger logging.Logger,
	config *core.RuntimeConfig,
	store *commitlog.Store,
	base crypto.Base,
	opts ...cert.Option,
) (*Security, error) {
	log, err := commitlog.New(store, logger)
	if err != nil {
		return nil, err
	}
	auth := cert.NewAuthority(
		config,
		base,
		opts...,
	)
	return &Security{
		log:  log,
		auth: auth,
	}, nil
}

// CommitLog returns the commit log instance.
func (s *Security) CommitLog() *commitlog.Log {
	return s.log
}

// Authority returns the certificate authority.
func (s *Security) Authority() *cert.Authority {
	return s.auth
}

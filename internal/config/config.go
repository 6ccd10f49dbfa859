// Package config loads and validates the host configuration of a replica
// process: its identity, keys, the replica table, and the protocol tuning
// knobs.
package config

import (
	"fmt"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/security/crypto/keygen"
	"go.uber.org/multierr"
)

// Replica describes one member of the replica set.
type Replica struct {
	// ID is the replica's id.
	ID nbft.ID
	// PeerAddress is the address the replica listens on for replica messages.
	PeerAddress string `mapstructure:"peer-address"`
	// ClientAddress is the address the replica listens on for client requests.
	ClientAddress string `mapstructure:"client-address"`
	// Pubkey is the path to the replica's public key file.
	Pubkey string
}

// HostConfig holds the configuration of a replica process.
type HostConfig struct {
	// SelfID is the id of the replica this process runs.
	SelfID nbft.ID `mapstructure:"self-id"`
	// Privkey is the path to this replica's private key file.
	Privkey string

	// Crypto selects the signature backend.
	Crypto string
	// LeaderRotation selects the leader rotation strategy.
	LeaderRotation string `mapstructure:"leader-rotation"`

	// BatchSize is the maximum number of requests batched into one proposal.
	BatchSize uint32 `mapstructure:"batch-size"`
	// ViewTimeout is the duration of the first view.
	ViewTimeout time.Duration `mapstructure:"view-timeout"`
	// MaxTimeout is the upper limit on view timeouts.
	MaxTimeout time.Duration `mapstructure:"max-timeout"`
	// DurationSamples is the number of previous views to consider when
	// predicting the view duration.
	DurationSamples uint32 `mapstructure:"duration-samples"`
	// TimeoutMultiplier scales the view duration after a timeout.
	TimeoutMultiplier float32 `mapstructure:"timeout-multiplier"`
	// CheckpointInterval is the number of committed sequences between
	// checkpoints.
	CheckpointInterval uint64 `mapstructure:"checkpoint-interval"`
	// ProposalWindow caps how far proposals may run ahead of the stable
	// checkpoint.
	ProposalWindow uint64 `mapstructure:"proposal-window"`
	// Groups is the number of dissemination groups. Zero broadcasts directly.
	Groups int
	// SharedSeed seeds the randomized leader rotation strategies.
	SharedSeed int64 `mapstructure:"shared-seed"`

	// DataDir is the directory for the durable log. Empty keeps the log in
	// memory.
	DataDir string `mapstructure:"data-dir"`

	// CPUProfile is the file to write a CPU profile to.
	CPUProfile string `mapstructure:"cpu-profile"`
	// MemProfile is the file to write a memory profile to.
	MemProfile string `mapstructure:"mem-profile"`
	// Trace is the file to write a runtime trace to.
	Trace string
	// FgprofProfile is the file to write a wall-clock profile to.
	FgprofProfile string `mapstructure:"fgprof-profile"`

	// Replicas is the replica table.
	Replicas []Replica
}

// Validate checks the configuration for the errors that would otherwise
// surface as confusing failures deep inside the replica.
func (c *HostConfig) Validate() (errs error) {
	if c.SelfID == 0 {
		errs = multierr.Append(errs, fmt.Errorf("self-id is not set"))
	}
	if c.Privkey == "" {
		errs = multierr.Append(errs, fmt.Errorf("privkey is not set"))
	}
	if len(c.Replicas) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no replicas configured"))
	}
	seen := make(map[nbft.ID]bool)
	self := false
	for i, r := range c.Replicas {
		switch {
		case r.ID == 0:
			errs = multierr.Append(errs, fmt.Errorf("replica %d has no id", i))
		case seen[r.ID]:
			errs = multierr.Append(errs, fmt.Errorf("duplicate replica id %d", r.ID))
		}
		seen[r.ID] = true
		if r.PeerAddress == "" {
			errs = multierr.Append(errs, fmt.Errorf("replica %d has no peer-address", r.ID))
		}
		if r.Pubkey == "" {
			errs = multierr.Append(errs, fmt.Errorf("replica %d has no pubkey", r.ID))
		}
		if r.ID == c.SelfID {
			self = true
		}
	}
	if c.SelfID != 0 && !self {
		errs = multierr.Append(errs, fmt.Errorf("replica table does not contain self-id %d", c.SelfID))
	}
	if c.Groups < 0 || c.Groups > len(c.Replicas) {
		errs = multierr.Append(errs, fmt.Errorf("groups must be between 0 and the number of replicas"))
	}
	return errs
}

// Self returns the table entry for this replica.
func (c *HostConfig) Self() (Replica, error) {
	for _, r := range c.Replicas {
		if r.ID == c.SelfID {
			return r, nil
		}
	}
	return Replica{}, fmt.Errorf("replica table does not contain self-id %d", c.SelfID)
}

// ReplicaInfos loads the public keys of the replica table.
func (c *HostConfig) ReplicaInfos() ([]nbft.ReplicaInfo, error) {
	infos := make([]nbft.ReplicaInfo, 0, len(c.Replicas))
	for _, r := range c.Replicas {
		key, err := keygen.ReadPublicKeyFile(r.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("reading public key of replica %d: %w", r.ID, err)
		}
		infos = append(infos, nbft.ReplicaInfo{
			ID:      r.ID,
			Address: r.PeerAddress,
			PubKey:  key,
		})
	}
	return infos, nil
}

// RuntimeOptions converts the tuning knobs into runtime configuration options.
func (c *HostConfig) RuntimeOptions() []core.RuntimeOption {
	opts := []core.RuntimeOption{
		core.WithBatchSize(c.BatchSize),
		core.WithCheckpointInterval(nbft.Sequence(c.CheckpointInterval)),
		core.WithProposalWindow(nbft.Sequence(c.ProposalWindow)),
		core.WithSharedRandomSeed(c.SharedSeed),
	}
	if c.Groups > 0 {
		opts = append(opts, core.WithGroupCount(c.Groups))
	}
	return opts
}

// ViewDurationParams converts the view timing knobs into view duration
// parameters.
func (c *HostConfig) ViewDurationParams() viewduration.Params {
	return viewduration.NewParams(
		c.DurationSamples,
		c.ViewTimeout,
		c.MaxTimeout,
		c.TimeoutMultiplier,
	)
}

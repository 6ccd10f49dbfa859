package config_test

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/internal/config"
	"github.com/radman021/nbft/security/crypto"
	"github.com/radman021/nbft/security/crypto/keygen"
	"go.uber.org/multierr"
)

func validConfig() *config.HostConfig {
	cfg := &config.HostConfig{
		SelfID:  1,
		Privkey: "1.key",
	}
	for i := 1; i <= 4; i++ {
		cfg.Replicas = append(cfg.Replicas, config.Replica{
			ID:            nbft.ID(i),
			PeerAddress:   fmt.Sprintf("tcp://127.0.0.1:1337%d", i),
			ClientAddress: fmt.Sprintf("tcp://127.0.0.1:2337%d", i),
			Pubkey:        fmt.Sprintf("%d.key.pub", i),
		})
	}
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateReportsEveryError(t *testing.T) {
	err := (&config.HostConfig{}).Validate()
	if err == nil {
		t.Fatal("Validate() = nil for an empty configuration")
	}
	// self-id, privkey, and the empty replica table should all be reported.
	if got := len(multierr.Errors(err)); got != 3 {
		t.Errorf("Validate() reported %d errors, want 3: %v", got, err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.HostConfig)
		want   string
	}{
		{"MissingSelfID", func(cfg *config.HostConfig) { cfg.SelfID = 0 }, "self-id is not set"},
		{"MissingPrivkey", func(cfg *config.HostConfig) { cfg.Privkey = "" }, "privkey is not set"},
		{"EmptyTable", func(cfg *config.HostConfig) { cfg.Replicas = nil }, "no replicas configured"},
		{"ReplicaWithoutID", func(cfg *config.HostConfig) { cfg.Replicas[1].ID = 0 }, "replica 1 has no id"},
		{"DuplicateID", func(cfg *config.HostConfig) { cfg.Replicas[2].ID = 2 }, "duplicate replica id 2"},
		{"MissingPeerAddress", func(cfg *config.HostConfig) { cfg.Replicas[3].PeerAddress = "" }, "replica 4 has no peer-address"},
		{"MissingPubkey", func(cfg *config.HostConfig) { cfg.Replicas[0].Pubkey = "" }, "replica 1 has no pubkey"},
		{"SelfNotInTable", func(cfg *config.HostConfig) { cfg.SelfID = 9 }, "does not contain self-id 9"},
		{"TooManyGroups", func(cfg *config.HostConfig) { cfg.Groups = 5 }, "groups must be between"},
		{"NegativeGroups", func(cfg *config.HostConfig) { cfg.Groups = -1 }, "groups must be between"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSelfReturnsOwnTableEntry(t *testing.T) {
	cfg := validConfig()
	cfg.SelfID = 2

	self, err := cfg.Self()
	if err != nil {
		t.Fatalf("Self() failed: %v", err)
	}
	if self.ID != 2 || self.ClientAddress != "tcp://127.0.0.1:23372" {
		t.Errorf("Self() = %+v, want the entry of replica 2", self)
	}

	cfg.SelfID = 9
	if _, err := cfg.Self(); err == nil {
		t.Error("Self() = nil error for an id outside the table")
	}
}

func TestRuntimeOptions(t *testing.T) {
	cfg := validConfig()
	cfg.BatchSize = 50
	cfg.CheckpointInterval = 64
	cfg.ProposalWindow = 128
	cfg.SharedSeed = 42
	cfg.Groups = 2

	rc := core.NewRuntimeConfig(cfg.SelfID, nil, cfg.RuntimeOptions()...)
	if got := rc.BatchSize(); got != 50 {
		t.Errorf("BatchSize() = %d, want 50", got)
	}
	if got := rc.CheckpointInterval(); got != 64 {
		t.Errorf("CheckpointInterval() = %d, want 64", got)
	}
	if got := rc.ProposalWindow(); got != 128 {
		t.Errorf("ProposalWindow() = %d, want 128", got)
	}
	if got := rc.SharedRandomSeed(); got != 42 {
		t.Errorf("SharedRandomSeed() = %d, want 42", got)
	}
	if got := rc.GroupCount(); got != 2 {
		t.Errorf("GroupCount() = %d, want 2", got)
	}
}

func TestRuntimeOptionsWithoutGroupsKeepsBroadcast(t *testing.T) {
	rc := core.NewRuntimeConfig(1, nil, validConfig().RuntimeOptions()...)
	if got := rc.GroupCount(); got != 0 {
		t.Errorf("GroupCount() = %d, want 0", got)
	}
}

func TestViewDurationParams(t *testing.T) {
	cfg := validConfig()
	cfg.DurationSamples = 100
	cfg.ViewTimeout = 250 * time.Millisecond
	cfg.MaxTimeout = 5 * time.Second
	cfg.TimeoutMultiplier = 1.5

	if got := cfg.ViewDurationParams().StartTimeout(); got != 250*time.Millisecond {
		t.Errorf("StartTimeout() = %v, want 250ms", got)
	}
}

func TestReplicaInfosLoadsPublicKeys(t *testing.T) {
	dir := t.TempDir()
	if err := keygen.GenerateConfiguration(dir, crypto.NameEDDSA, 1, 4, "*.key"); err != nil {
		t.Fatalf("GenerateConfiguration failed: %v", err)
	}

	cfg := validConfig()
	for i := range cfg.Replicas {
		cfg.Replicas[i].Pubkey = filepath.Join(dir, fmt.Sprintf("%d.key.pub", i+1))
	}

	infos, err := cfg.ReplicaInfos()
	if err != nil {
		t.Fatalf("ReplicaInfos() failed: %v", err)
	}
	if len(infos) != len(cfg.Replicas) {
		t.Fatalf("ReplicaInfos() returned %d entries, want %d", len(infos), len(cfg.Replicas))
	}
	for i, info := range infos {
		if info.ID != cfg.Replicas[i].ID {
			t.Errorf("entry %d has id %d, want %d", i, info.ID, cfg.Replicas[i].ID)
		}
		if info.Address != cfg.Replicas[i].PeerAddress {
			t.Errorf("entry %d has address %q, want %q", i, info.Address, cfg.Replicas[i].PeerAddress)
		}
		if info.PubKey == nil {
			t.Errorf("entry %d has no public key", i)
		}
	}
}

func TestReplicaInfosReportsMissingKeyFile(t *testing.T) {
	cfg := validConfig()
	cfg.Replicas[0].Pubkey = filepath.Join(t.TempDir(), "missing.key.pub")
	if _, err := cfg.ReplicaInfos(); err == nil {
		t.Error("ReplicaInfos() = nil error for a missing key file")
	}
}

package client

import (
	"encoding/base64"
	"testing"

	"github.com/radman021/nbft"
)

func testConfig() Config {
	return Config{
		ID: 1,
		Targets: []Target{
			{ID: 1, Address: "tcp://127.0.0.1:10001"},
			{ID: 2, Address: "tcp://127.0.0.1:10002"},
			{ID: 3, Address: "tcp://127.0.0.1:10003"},
		},
		PayloadSize: 16,
	}
}

func TestNewRejectsEmptyTargets(t *testing.T) {
	cfg := testConfig()
	cfg.Targets = nil
	if _, err := New(cfg); err == nil {
		t.Error("expected an error for an empty replica set")
	}
}

func TestNewRejectsZeroClientID(t *testing.T) {
	cfg := testConfig()
	cfg.ID = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected an error for client id 0")
	}
}

func TestNextTargetRotates(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if next := c.nextTarget(1); next != 2 {
		t.Errorf("expected replica 2 after 1, got %d", next)
	}
	if next := c.nextTarget(3); next != 1 {
		t.Errorf("expected wrap around to replica 1, got %d", next)
	}
	// an unknown replica falls back to the first target
	if next := c.nextTarget(nbft.ID(99)); next != 1 {
		t.Errorf("expected fallback to replica 1, got %d", next)
	}
}

func TestLeaderRedirectSticks(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if c.currentLeader() != 1 {
		t.Fatalf("expected the first target as the initial leader, got %d", c.currentLeader())
	}
	c.setLeader(3)
	if c.currentLeader() != 3 {
		t.Errorf("redirect not remembered, got %d", c.currentLeader())
	}
}

func TestMakeCommandCarriesPayload(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	command, err := c.makeCommand()
	if err != nil {
		t.Fatal(err)
	}
	payload, err := base64.RawStdEncoding.DecodeString(command)
	if err != nil {
		t.Fatalf("command is not base64: %v", err)
	}
	if len(payload) != 16 {
		t.Errorf("expected a 16 byte payload, got %d", len(payload))
	}
}

package wire_test

import (
	"encoding/json"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/network/wire"
	"github.com/radman021/nbft/security/crypto"
)

func TestPrepareCertRoundTrip(t *testing.T) {
	for _, cryptoName := range []string{crypto.NameEDDSA, crypto.NameECDSA, crypto.NameBLS12} {
		t.Run(cryptoName, func(t *testing.T) {
			authorities := testutil.NewAuthorities(t, 4, cryptoName)
			digest := nbft.HashBytes([]byte("request"))
			cert := testutil.CreatePrepareCert(t, authorities, 1, 1, digest)

			b, err := json.Marshal(wire.PrepareCertToWire(cert))
			if err != nil {
				t.Fatalf("failed to marshal certificate: %v", err)
			}
			var msg wire.PrepareCert
			if err := json.Unmarshal(b, &msg); err != nil {
				t.Fatalf("failed to unmarshal certificate: %v", err)
			}
			restored, err := wire.PrepareCertFromWire(msg)
			if err != nil {
				t.Fatalf("failed to restore certificate: %v", err)
			}
			if !cert.Equals(restored) {
				t.Error("restored certificate does not equal the original")
			}
			if err := authorities[0].VerifyPrepareCert(restored); err != nil {
				t.Errorf("restored certificate failed verification: %v", err)
			}
		})
	}
}

func TestCommitCertRoundTrip(t *testing.T) {
	authorities := testutil.NewAuthorities(t, 4, crypto.NameEDDSA)
	digest := nbft.HashBytes([]byte("request"))
	cert := testutil.CreateCommitCert(t, authorities, 1, 1, digest)

	b, err := json.Marshal(wire.CommitCertToWire(cert))
	if err != nil {
		t.Fatalf("failed to marshal certificate: %v", err)
	}
	var msg wire.CommitCert
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("failed to unmarshal certificate: %v", err)
	}
	restored, err := wire.CommitCertFromWire(msg)
	if err != nil {
		t.Fatalf("failed to restore certificate: %v", err)
	}
	if !cert.Equals(restored) {
		t.Error("restored certificate does not equal the original")
	}
	if err := authorities[0].VerifyCommitCert(restored); err != nil {
		t.Errorf("restored certificate failed verification: %v", err)
	}
}

// TestNewViewRoundTrip checks that the signed byte form of a new view message
// is stable across serialization, including nested records, certificates and
// re-proposals.
func TestNewViewRoundTrip(t *testing.T) {
	authorities := testutil.NewAuthorities(t, 4, crypto.NameECDSA)
	preparedRequest := nbft.NewRequest(7, 1, "prepared command")
	digest := preparedRequest.Digest()
	checkpoint := testutil.CreateCheckpointCert(t, authorities, 100, nbft.HashBytes([]byte("state")))
	prepared := testutil.CreatePrepareCert(t, authorities, 1, 101, digest)
	committed := testutil.CreateCommitCert(t, authorities, 1, 102, digest)

	records := []nbft.ViewChangeMsg{
		{ID: 1, NewView: 2, Checkpoint: checkpoint, Prepared: []nbft.PreparedRequest{{Cert: prepared, Request: preparedRequest}}},
		{ID: 3, NewView: 2, Prepared: []nbft.PreparedRequest{{Cert: prepared}}, Committed: []nbft.CommitCert{committed}},
		{ID: 4, NewView: 2},
	}
	for i := range records {
		if err := authorities[records[i].ID-1].SignViewChange(&records[i]); err != nil {
			t.Fatalf("failed to sign view change: %v", err)
		}
	}

	request := nbft.NewRequest(1, 1, "command")
	proposal := nbft.ProposeMsg{ID: 2, View: 2, Seq: 101, Digest: request.Digest(), Request: request}
	if err := authorities[1].SignProposal(&proposal); err != nil {
		t.Fatalf("failed to sign proposal: %v", err)
	}

	newView := nbft.NewViewMsg{ID: 2, View: 2, Records: records, Proposals: []nbft.ProposeMsg{proposal}}
	if err := authorities[1].SignNewView(&newView); err != nil {
		t.Fatalf("failed to sign new view: %v", err)
	}

	b, err := json.Marshal(wire.NewViewToWire(newView))
	if err != nil {
		t.Fatalf("failed to marshal new view: %v", err)
	}
	var msg wire.NewView
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("failed to unmarshal new view: %v", err)
	}
	restored, err := wire.NewViewFromWire(msg)
	if err != nil {
		t.Fatalf("failed to restore new view: %v", err)
	}
	if err := authorities[0].VerifyNewView(restored); err != nil {
		t.Errorf("restored new view failed verification: %v", err)
	}
	if err := authorities[0].VerifyProposal(restored.Proposals[0]); err != nil {
		t.Errorf("restored re-proposal failed verification: %v", err)
	}
}

func TestLogEntryRoundTrip(t *testing.T) {
	authorities := testutil.NewAuthorities(t, 4, crypto.NameEDDSA)
	request := nbft.NewRequest(1, 1, "command")
	cert := testutil.CreateCommitCert(t, authorities, 1, 1, request.Digest())
	entry := nbft.LogEntry{
		Seq:         1,
		Request:     request,
		Digest:      request.Digest(),
		Cert:        cert,
		StateDigest: nbft.HashBytes([]byte("state")),
	}

	b, err := json.Marshal(wire.LogEntryToWire(entry))
	if err != nil {
		t.Fatalf("failed to marshal entry: %v", err)
	}
	var msg wire.LogEntry
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("failed to unmarshal entry: %v", err)
	}
	restored, err := wire.LogEntryFromWire(msg)
	if err != nil {
		t.Fatalf("failed to restore entry: %v", err)
	}
	if restored.Seq != entry.Seq || restored.Digest != entry.Digest || restored.StateDigest != entry.StateDigest {
		t.Error("restored entry does not match the original")
	}
	if restored.Request.Digest() != entry.Request.Digest() {
		t.Error("restored request digest does not match the original")
	}
	if !restored.Cert.Equals(entry.Cert) {
		t.Error("restored certificate does not equal the original")
	}
}

func TestVoteFromWireMissingSignature(t *testing.T) {
	_, err := wire.VoteFromWire(wire.Vote{Phase: 1, View: 1, Seq: 1})
	if err == nil {
		t.Error("expected an error for a vote without a signature")
	}
}

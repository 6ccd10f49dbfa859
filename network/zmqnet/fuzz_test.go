package zmqnet

import (
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/internal/testutil"
	"github.com/radman021/nbft/security/crypto"
)

// Anything a peer puts on the wire ends up in the envelope decoder, so it must
// reject bad input with an error, never a panic.
func FuzzDecodeEnvelope(f *testing.F) {
	authorities := testutil.NewAuthorities(f, 4, crypto.NameEDDSA)
	request := nbft.NewRequest(1, 1, "command")
	digest := request.Digest()

	proposal := nbft.ProposeMsg{ID: 2, View: 1, Seq: 1, Digest: digest, Request: request}
	if err := authorities[1].SignProposal(&proposal); err != nil {
		f.Fatal(err)
	}
	vote, err := authorities[0].CreateVote(nbft.PhasePrepare, 1, 1, digest)
	if err != nil {
		f.Fatal(err)
	}
	entry := nbft.LogEntry{
		Seq:         1,
		Request:     request,
		Digest:      digest,
		Cert:        testutil.CreateCommitCert(f, authorities, 1, 1, digest),
		StateDigest: nbft.ChainHash(nbft.Hash{}, digest),
	}
	for _, msg := range []any{
		proposal,
		nbft.VoteMsg{ID: 1, Vote: vote},
		nbft.FetchEntriesMsg{ID: 1, From: 1, To: 5},
		nbft.EntriesMsg{ID: 2, Entries: []nbft.LogEntry{entry}},
	} {
		data, err := encodeEnvelope(1, msg)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Add([]byte("not json"))
	f.Add([]byte(`{"type":"gossip","nonce":"1"}`))
	f.Add([]byte(`{"type":"vote","payload":{"vote":7},"nonce":"1"}`))
	f.Add([]byte(`{"type":"propose","payload":{"sig":{"eddsa_sigs":[{"signer":1}]}},"nonce":"1"}`))
	f.Add([]byte(`{"type":"entries","payload":{"entries":[{"seq":1}]},"nonce":"1"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		env, event, err := decodeEnvelope(data)
		if err != nil {
			return
		}
		// a decoded envelope must carry one of the protocol messages
		switch event.(type) {
		case nbft.ProposeMsg, nbft.VoteMsg, nbft.ViewChangeMsg, nbft.NewViewMsg,
			nbft.CheckpointMsg, nbft.FetchEntriesMsg, nbft.EntriesMsg:
		default:
			t.Errorf("envelope of type %q decoded into unexpected %T", env.Type, event)
		}
	})
}

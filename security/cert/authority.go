// Package cert provides a certificate authority for creating and verifying
// votes and the quorum certificates assembled from them.
package cert

import (
	"fmt"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/security/crypto"
)

type Authority struct {
	crypto.Base // embedded to avoid having to implement forwarding methods
	config      *core.RuntimeConfig
}

// NewAuthority returns an Authority. It will use the given Base to create and
// verify signatures.
func NewAuthority(config *core.RuntimeConfig, impl crypto.Base, opts ...Option) *Authority {
	ca := &Authority{
		Base:   impl,
		config: config,
	}
	for _, opt := range opts {
		opt(ca)
	}
	return ca
}

// signedBy reports whether the signature was created by the given replica alone.
func signedBy(signature nbft.QuorumSignature, id nbft.ID) bool {
	participants := signature.Participants()
	return participants.Len() == 1 && participants.Contains(id)
}

// CreateVote signs a vote for the digest in the given phase, view and sequence.
func (a *Authority) CreateVote(phase nbft.Phase, view nbft.View, seq nbft.Sequence, digest nbft.Hash) (vote nbft.Vote, err error) {
	sig, err := a.Sign(nbft.VoteBytes(phase, view, seq, digest))
	if err != nil {
		return nbft.Vote{}, err
	}
	return nbft.NewVote(sig, phase, view, seq, digest), nil
}

// VerifyVote verifies a single vote.
func (a *Authority) VerifyVote(vote nbft.Vote) error {
	sig := vote.Signature()
	if sig == nil {
		return ErrNoSignature
	}
	if !signedBy(sig, vote.Signer()) {
		return ErrWrongSigner
	}
	return a.Verify(sig, vote.SignedBytes())
}

// CreatePrepareCert creates a prepare certificate from a quorum of prepare votes.
// All votes must endorse the same digest at the same view and sequence.
func (a *Authority) CreatePrepareCert(votes []nbft.Vote) (cert nbft.PrepareCert, err error) {
	if err := a.checkVotes(nbft.PhasePrepare, votes); err != nil {
		return nbft.PrepareCert{}, err
	}
	sig, err := a.combineVotes(votes)
	if err != nil {
		return nbft.PrepareCert{}, err
	}
	return nbft.NewPrepareCert(sig, votes[0].View(), votes[0].Seq(), votes[0].Digest()), nil
}

// CreateCommitCert creates a commit certificate from a quorum of commit votes,
// nesting the prepare certificate the votes ratify.
func (a *Authority) CreateCommitCert(prepare nbft.PrepareCert, votes []nbft.Vote) (cert nbft.CommitCert, err error) {
	if err := a.checkVotes(nbft.PhaseCommit, votes); err != nil {
		return nbft.CommitCert{}, err
	}
	if votes[0].View() != prepare.View() || votes[0].Seq() != prepare.Seq() || votes[0].Digest() != prepare.Digest() {
		return nbft.CommitCert{}, ErrVoteMismatch
	}
	sig, err := a.combineVotes(votes)
	if err != nil {
		return nbft.CommitCert{}, err
	}
	return nbft.NewCommitCert(sig, prepare), nil
}

// checkVotes checks that the votes form a quorum for a single digest in the given phase.
func (a *Authority) checkVotes(phase nbft.Phase, votes []nbft.Vote) error {
	if len(votes) < a.config.QuorumSize() {
		return ErrNotAQuorum
	}
	first := votes[0]
	for _, vote := range votes {
		if vote.Phase() != phase || vote.View() != first.View() || vote.Seq() != first.Seq() || vote.Digest() != first.Digest() {
			return ErrVoteMismatch
		}
	}
	return nil
}

func (a *Authority) combineVotes(votes []nbft.Vote) (nbft.QuorumSignature, error) {
	sigs := make([]nbft.QuorumSignature, 0, len(votes))
	for _, vote := range votes {
		sigs = append(sigs, vote.Signature())
	}
	return a.Combine(sigs...)
}

// VerifyPrepareCert verifies a prepare certificate.
func (a *Authority) VerifyPrepareCert(cert nbft.PrepareCert) error {
	sig := cert.Signature()
	if sig == nil {
		return ErrNoSignature
	}
	if sig.Participants().Len() < a.config.QuorumSize() {
		return ErrNotAQuorum
	}
	return a.Verify(sig, nbft.VoteBytes(nbft.PhasePrepare, cert.View(), cert.Seq(), cert.Digest()))
}

// VerifyCommitCert verifies a commit certificate, including the nested
// prepare certificate.
func (a *Authority) VerifyCommitCert(cert nbft.CommitCert) error {
	if err := a.VerifyPrepareCert(cert.Prepare()); err != nil {
		return fmt.Errorf("nested prepare certificate invalid: %w", err)
	}
	sig := cert.Signature()
	if sig == nil {
		return ErrNoSignature
	}
	if sig.Participants().Len() < a.config.QuorumSize() {
		return ErrNotAQuorum
	}
	return a.Verify(sig, nbft.VoteBytes(nbft.PhaseCommit, cert.View(), cert.Seq(), cert.Digest()))
}

// CreateCheckpointCert creates a checkpoint certificate from a quorum of
// checkpoint votes on the same sequence and state digest.
func (a *Authority) CreateCheckpointCert(msgs []nbft.CheckpointMsg) (cert nbft.CheckpointCert, err error) {
	if len(msgs) < a.config.QuorumSize() {
		return nbft.CheckpointCert{}, ErrNotAQuorum
	}
	first := msgs[0]
	sigs := make([]nbft.QuorumSignature, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Seq != first.Seq || msg.StateDigest != first.StateDigest {
			return nbft.CheckpointCert{}, ErrVoteMismatch
		}
		sigs = append(sigs, msg.Signature)
	}
	sig, err := a.Combine(sigs...)
	if err != nil {
		return nbft.CheckpointCert{}, err
	}
	return nbft.NewCheckpointCert(sig, first.Seq, first.StateDigest), nil
}

// VerifyCheckpointCert verifies a checkpoint certificate.
// The zero-valued certificate represents the state before the first
// checkpoint and is always valid.
func (a *Authority) VerifyCheckpointCert(cert nbft.CheckpointCert) error {
	if cert.Equals(nbft.CheckpointCert{}) {
		return nil
	}
	sig := cert.Signature()
	if sig == nil {
		return ErrNoSignature
	}
	if sig.Participants().Len() < a.config.QuorumSize() {
		return ErrNotAQuorum
	}
	return a.Verify(sig, nbft.VoteBytes(nbft.PhaseCheckpoint, 0, cert.Seq(), cert.StateDigest()))
}

// SignProposal signs the proposal, storing the signature in the message.
func (a *Authority) SignProposal(proposal *nbft.ProposeMsg) error {
	sig, err := a.Sign(proposal.SignedBytes())
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

// VerifyProposal verifies the proposer's signature and that the digest in the
// proposal matches the carried request. A proposal may omit the request body
// and carry only the digest; the receiver then resolves the body locally.
func (a *Authority) VerifyProposal(proposal nbft.ProposeMsg) error {
	if proposal.Signature == nil {
		return ErrNoSignature
	}
	if !signedBy(proposal.Signature, proposal.ID) {
		return ErrWrongSigner
	}
	if proposal.Request != (nbft.Request{}) && proposal.Digest != proposal.Request.Digest() {
		return fmt.Errorf("proposal digest does not match the request")
	}
	return a.Verify(proposal.Signature, proposal.SignedBytes())
}

// SignCheckpoint signs the checkpoint vote, storing the signature in the message.
func (a *Authority) SignCheckpoint(msg *nbft.CheckpointMsg) error {
	sig, err := a.Sign(msg.SignedBytes())
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// VerifyCheckpoint verifies a single checkpoint vote.
func (a *Authority) VerifyCheckpoint(msg nbft.CheckpointMsg) error {
	if msg.Signature == nil {
		return ErrNoSignature
	}
	if !signedBy(msg.Signature, msg.ID) {
		return ErrWrongSigner
	}
	return a.Verify(msg.Signature, msg.SignedBytes())
}

// SignViewChange signs the view change message, storing the signature in the message.
func (a *Authority) SignViewChange(vc *nbft.ViewChangeMsg) error {
	sig, err := a.Sign(vc.ToBytes())
	if err != nil {
		return err
	}
	vc.Signature = sig
	return nil
}

// VerifyViewChange verifies the sender's signature and every certificate
// carried by the view change message.
func (a *Authority) VerifyViewChange(vc nbft.ViewChangeMsg) error {
	if vc.Signature == nil {
		return ErrNoSignature
	}
	if !signedBy(vc.Signature, vc.ID) {
		return ErrWrongSigner
	}
	if err := a.Verify(vc.Signature, vc.ToBytes()); err != nil {
		return err
	}
	if err := a.VerifyCheckpointCert(vc.Checkpoint); err != nil {
		return fmt.Errorf("checkpoint certificate invalid: %w", err)
	}
	for _, pr := range vc.Prepared {
		if err := a.VerifyPrepareCert(pr.Cert); err != nil {
			return fmt.Errorf("prepare certificate for seq %d invalid: %w", pr.Cert.Seq(), err)
		}
		if pr.Request != (nbft.Request{}) && pr.Request.Digest() != pr.Cert.Digest() {
			return fmt.Errorf("request for seq %d does not match its prepare certificate", pr.Cert.Seq())
		}
	}
	for _, cc := range vc.Committed {
		if err := a.VerifyCommitCert(cc); err != nil {
			return fmt.Errorf("commit certificate for seq %d invalid: %w", cc.Seq(), err)
		}
	}
	return nil
}

// SignNewView signs the new view message, storing the signature in the message.
func (a *Authority) SignNewView(nv *nbft.NewViewMsg) error {
	sig, err := a.Sign(nv.ToBytes())
	if err != nil {
		return err
	}
	nv.Signature = sig
	return nil
}

// VerifyNewView verifies the sender's signature and the quorum of view change
// records justifying the new view. The re-proposals carried by the message are
// not checked here; they must be validated against the records by the caller.
func (a *Authority) VerifyNewView(nv nbft.NewViewMsg) error {
	if nv.Signature == nil {
		return ErrNoSignature
	}
	if !signedBy(nv.Signature, nv.ID) {
		return ErrWrongSigner
	}
	if err := a.Verify(nv.Signature, nv.ToBytes()); err != nil {
		return err
	}
	if len(nv.Records) < a.config.QuorumSize() {
		return ErrNotAQuorum
	}
	seen := make(map[nbft.ID]bool, len(nv.Records))
	for _, rec := range nv.Records {
		if seen[rec.ID] {
			return fmt.Errorf("duplicate view change record from replica %d", rec.ID)
		}
		seen[rec.ID] = true
		if rec.NewView != nv.View {
			return fmt.Errorf("view change record from replica %d is for view %d, not %d", rec.ID, rec.NewView, nv.View)
		}
		if err := a.VerifyViewChange(rec); err != nil {
			return fmt.Errorf("view change record from replica %d invalid: %w", rec.ID, err)
		}
	}
	return nil
}

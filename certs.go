package nbft

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Phase identifies the voting round a vote belongs to.
type Phase uint8

const (
	// PhasePrepare is the first voting round on a proposal.
	PhasePrepare Phase = iota + 1
	// PhaseCommit is the second voting round, entered once a prepare
	// certificate for the proposal is known.
	PhaseCommit
	// PhaseCheckpoint is the voting round on a checkpoint state digest.
	PhaseCheckpoint
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// ToBytes returns the phase as bytes.
func (p Phase) ToBytes() []byte {
	return []byte{byte(p)}
}

// VoteBytes returns the canonical byte string that a replica signs when
// voting for the given digest in the given phase, view and sequence. Both
// signing and verification must use this form.
func VoteBytes(phase Phase, view View, seq Sequence, digest Hash) []byte {
	buf := phase.ToBytes()
	buf = append(buf, view.ToBytes()...)
	buf = append(buf, seq.ToBytes()...)
	buf = append(buf, digest[:]...)
	return buf
}

// Vote is a single replica's signed endorsement of a digest in one voting
// phase. The signature covers VoteBytes of the vote's fields.
type Vote struct {
	// shortcut to the signer of the signature
	signer    ID
	phase     Phase
	view      View
	seq       Sequence
	digest    Hash
	signature QuorumSignature
}

// NewVote returns a new vote.
func NewVote(signature QuorumSignature, phase Phase, view View, seq Sequence, digest Hash) Vote {
	var signer ID
	signature.Participants().RangeWhile(func(i ID) bool {
		signer = i
		return false
	})
	return Vote{signer, phase, view, seq, digest, signature}
}

// Signer returns the ID of the replica that created the vote.
func (v Vote) Signer() ID {
	return v.signer
}

// Phase returns the voting phase the vote belongs to.
func (v Vote) Phase() Phase {
	return v.phase
}

// View returns the view the vote was cast in.
func (v Vote) View() View {
	return v.view
}

// Seq returns the sequence number the vote is for.
func (v Vote) Seq() Sequence {
	return v.seq
}

// Digest returns the digest the vote endorses.
func (v Vote) Digest() Hash {
	return v.digest
}

// Signature returns the signature.
func (v Vote) Signature() QuorumSignature {
	return v.signature
}

// SignedBytes returns the byte string that the vote's signature covers.
func (v Vote) SignedBytes() []byte {
	return VoteBytes(v.phase, v.view, v.seq, v.digest)
}

// ToBytes returns a byte representation of the vote.
func (v Vote) ToBytes() []byte {
	return append(v.SignedBytes(), v.signature.ToBytes()...)
}

func (v Vote) String() string {
	return fmt.Sprintf("Vote{ %s, signer: %d, view: %d, seq: %d, digest: %.6s }",
		v.phase, v.signer, v.view, v.seq, v.digest.String())
}

// PrepareCert is a certificate formed by a quorum of prepare votes for one
// digest at one view and sequence. It proves that no conflicting proposal can
// gather a quorum at that view and sequence.
type PrepareCert struct {
	signature QuorumSignature
	view      View
	seq       Sequence
	digest    Hash
}

// NewPrepareCert creates a new prepare certificate from the given values.
func NewPrepareCert(signature QuorumSignature, view View, seq Sequence, digest Hash) PrepareCert {
	return PrepareCert{signature, view, seq, digest}
}

// ToBytes returns a byte representation of the prepare certificate.
func (pc PrepareCert) ToBytes() []byte {
	b := pc.view.ToBytes()
	b = append(b, pc.seq.ToBytes()...)
	b = append(b, pc.digest[:]...)
	if pc.signature != nil {
		b = append(b, pc.signature.ToBytes()...)
	}
	return b
}

// Signature returns the threshold signature.
func (pc PrepareCert) Signature() QuorumSignature {
	return pc.signature
}

// View returns the view in which the certificate was formed.
func (pc PrepareCert) View() View {
	return pc.view
}

// Seq returns the sequence number the certificate is for.
func (pc PrepareCert) Seq() Sequence {
	return pc.seq
}

// Digest returns the certified digest.
func (pc PrepareCert) Digest() Hash {
	return pc.digest
}

// Equals returns true if the other certificate equals this certificate.
func (pc PrepareCert) Equals(other PrepareCert) bool {
	if pc.view != other.view || pc.seq != other.seq || pc.digest != other.digest {
		return false
	}
	if pc.signature == nil || other.signature == nil {
		return pc.signature == other.signature
	}
	return bytes.Equal(pc.signature.ToBytes(), other.signature.ToBytes())
}

func (pc PrepareCert) String() string {
	var sb strings.Builder
	if pc.signature != nil {
		_ = writeParticipants(&sb, pc.signature.Participants())
	}
	return fmt.Sprintf("PrepareCert{ view: %d, seq: %d, digest: %.6s, IDs: [ %s] }",
		pc.view, pc.seq, pc.digest.String(), &sb)
}

// CommitCert is a certificate formed by a quorum of commit votes. It nests
// the prepare certificate it ratifies, so a commit certificate cannot exist
// without a prepare certificate for the same digest, view and sequence.
type CommitCert struct {
	prepare   PrepareCert
	signature QuorumSignature
}

// NewCommitCert creates a new commit certificate that nests the given
// prepare certificate.
func NewCommitCert(signature QuorumSignature, prepare PrepareCert) CommitCert {
	return CommitCert{prepare, signature}
}

// ToBytes returns a byte representation of the commit certificate.
func (cc CommitCert) ToBytes() []byte {
	b := cc.prepare.ToBytes()
	if cc.signature != nil {
		b = append(b, cc.signature.ToBytes()...)
	}
	return b
}

// Prepare returns the nested prepare certificate.
func (cc CommitCert) Prepare() PrepareCert {
	return cc.prepare
}

// Signature returns the threshold signature over the commit votes.
func (cc CommitCert) Signature() QuorumSignature {
	return cc.signature
}

// View returns the view in which the certificate was formed.
func (cc CommitCert) View() View {
	return cc.prepare.view
}

// Seq returns the sequence number the certificate is for.
func (cc CommitCert) Seq() Sequence {
	return cc.prepare.seq
}

// Digest returns the certified digest.
func (cc CommitCert) Digest() Hash {
	return cc.prepare.digest
}

// Equals returns true if the other certificate equals this certificate.
func (cc CommitCert) Equals(other CommitCert) bool {
	if !cc.prepare.Equals(other.prepare) {
		return false
	}
	if cc.signature == nil || other.signature == nil {
		return cc.signature == other.signature
	}
	return bytes.Equal(cc.signature.ToBytes(), other.signature.ToBytes())
}

func (cc CommitCert) String() string {
	var sb strings.Builder
	if cc.signature != nil {
		_ = writeParticipants(&sb, cc.signature.Participants())
	}
	return fmt.Sprintf("CommitCert{ view: %d, seq: %d, digest: %.6s, IDs: [ %s] }",
		cc.View(), cc.Seq(), cc.Digest().String(), &sb)
}

// CheckpointCert certifies the state digest of the log prefix up to and
// including a sequence number. A stable checkpoint allows protocol state at
// and below its sequence to be garbage collected.
type CheckpointCert struct {
	signature   QuorumSignature
	seq         Sequence
	stateDigest Hash
}

// NewCheckpointCert creates a new checkpoint certificate from the given values.
func NewCheckpointCert(signature QuorumSignature, seq Sequence, stateDigest Hash) CheckpointCert {
	return CheckpointCert{signature, seq, stateDigest}
}

// ToBytes returns a byte representation of the checkpoint certificate.
func (cc CheckpointCert) ToBytes() []byte {
	b := cc.seq.ToBytes()
	b = append(b, cc.stateDigest[:]...)
	if cc.signature != nil {
		b = append(b, cc.signature.ToBytes()...)
	}
	return b
}

// Signature returns the threshold signature.
func (cc CheckpointCert) Signature() QuorumSignature {
	return cc.signature
}

// Seq returns the last sequence number covered by the checkpoint.
func (cc CheckpointCert) Seq() Sequence {
	return cc.seq
}

// StateDigest returns the certified state digest.
func (cc CheckpointCert) StateDigest() Hash {
	return cc.stateDigest
}

// Equals returns true if the other certificate equals this certificate.
func (cc CheckpointCert) Equals(other CheckpointCert) bool {
	if cc.seq != other.seq || cc.stateDigest != other.stateDigest {
		return false
	}
	if cc.signature == nil || other.signature == nil {
		return cc.signature == other.signature
	}
	return bytes.Equal(cc.signature.ToBytes(), other.signature.ToBytes())
}

func (cc CheckpointCert) String() string {
	var sb strings.Builder
	if cc.signature != nil {
		_ = writeParticipants(&sb, cc.signature.Participants())
	}
	return fmt.Sprintf("CheckpointCert{ seq: %d, state: %.6s, IDs: [ %s] }",
		cc.seq, cc.stateDigest.String(), &sb)
}

func writeParticipants(wr io.Writer, participants IDSet) (err error) {
	participants.RangeWhile(func(id ID) bool {
		_, err = fmt.Fprintf(wr, "%d ", id)
		return err == nil
	})
	return err
}

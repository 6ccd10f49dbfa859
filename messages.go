package nbft

import (
	"bytes"
	"fmt"
)

// ProposeMsg is broadcast when the leader assigns a request to a sequence
// number. The signature covers SignedBytes.
type ProposeMsg struct {
	ID        ID       // The ID of the replica who sent the message.
	View      View     // The view the proposal belongs to.
	Seq       Sequence // The sequence number assigned to the request.
	Digest    Hash     // The digest of the request.
	Request   Request  // The proposed request.
	Signature QuorumSignature
}

// SignedBytes returns the byte string that the proposer's signature covers.
func (p ProposeMsg) SignedBytes() []byte {
	var b bytes.Buffer
	_, _ = b.Write(p.ID.ToBytes())
	_, _ = b.Write(p.View.ToBytes())
	_, _ = b.Write(p.Seq.ToBytes())
	_, _ = b.Write(p.Digest[:])
	return b.Bytes()
}

func (p ProposeMsg) String() string {
	return fmt.Sprintf("ProposeMsg{ ID: %d, view: %d, seq: %d, digest: %.6s }",
		p.ID, p.View, p.Seq, p.Digest.String())
}

// VoteMsg carries a prepare or commit vote to all replicas.
type VoteMsg struct {
	ID       ID   // the ID of the replica who sent the message.
	Vote     Vote // The vote.
	Deferred bool
}

func (v VoteMsg) String() string {
	return fmt.Sprintf("VoteMsg{ ID: %d, %s }", v.ID, v.Vote)
}

// PreparedRequest pairs a prepare certificate with the request it certifies.
// The request may be zero-valued if the sender adopted the certificate without
// ever seeing the proposal; a quorum of view change records always contains at
// least one copy of the request body.
type PreparedRequest struct {
	Cert    PrepareCert
	Request Request
}

// ToBytes returns the raw byte form of the pair, to be used for signing.
func (pr PreparedRequest) ToBytes() []byte {
	return append(pr.Cert.ToBytes(), pr.Request.ToBytes()...)
}

// ViewChangeMsg is broadcast when a replica gives up on the current view. It
// records the replica's stable checkpoint and every certificate it holds for
// sequences above that checkpoint, so that a new leader can re-propose
// certified entries. The signature covers ToBytes.
type ViewChangeMsg struct {
	ID         ID                // The ID of the replica who sent the message.
	NewView    View              // The view that the replica wants to enter.
	Checkpoint CheckpointCert    // The sender's highest stable checkpoint. Zero-valued before the first checkpoint.
	Prepared   []PreparedRequest // Prepare certificates above the checkpoint, with their requests.
	Committed  []CommitCert      // Commit certificates above the checkpoint.
	Signature  QuorumSignature
}

// ToBytes returns the byte string that the sender's signature covers.
func (vc ViewChangeMsg) ToBytes() []byte {
	var b bytes.Buffer
	_, _ = b.Write(vc.ID.ToBytes())
	_, _ = b.Write(vc.NewView.ToBytes())
	_, _ = b.Write(vc.Checkpoint.ToBytes())
	for _, pr := range vc.Prepared {
		_, _ = b.Write(pr.ToBytes())
	}
	for _, cc := range vc.Committed {
		_, _ = b.Write(cc.ToBytes())
	}
	return b.Bytes()
}

func (vc ViewChangeMsg) String() string {
	return fmt.Sprintf("ViewChangeMsg{ ID: %d, newView: %d, checkpoint: %d, prepared: %d, committed: %d }",
		vc.ID, vc.NewView, vc.Checkpoint.Seq(), len(vc.Prepared), len(vc.Committed))
}

// NewViewMsg is broadcast by the leader of the new view once it holds a
// quorum of view change messages. The proposals re-propose every certified
// digest from the records and fill sequence gaps with no-op requests; they
// are derived deterministically so every replica can validate them against
// the records. The signature covers ToBytes.
type NewViewMsg struct {
	ID        ID              // The ID of the replica who sent the message.
	View      View            // The view being entered.
	Records   []ViewChangeMsg // The quorum of view change messages justifying the new view.
	Proposals []ProposeMsg    // Re-proposals for certified but uncommitted sequences.
	Signature QuorumSignature
}

// ToBytes returns the byte string that the sender's signature covers.
func (nv NewViewMsg) ToBytes() []byte {
	var b bytes.Buffer
	_, _ = b.Write(nv.ID.ToBytes())
	_, _ = b.Write(nv.View.ToBytes())
	for _, rec := range nv.Records {
		_, _ = b.Write(rec.ToBytes())
		if rec.Signature != nil {
			_, _ = b.Write(rec.Signature.ToBytes())
		}
	}
	for _, prop := range nv.Proposals {
		_, _ = b.Write(prop.SignedBytes())
	}
	return b.Bytes()
}

func (nv NewViewMsg) String() string {
	return fmt.Sprintf("NewViewMsg{ ID: %d, view: %d, records: %d, proposals: %d }",
		nv.ID, nv.View, len(nv.Records), len(nv.Proposals))
}

// CheckpointMsg carries a replica's signed vote on the state digest at a
// checkpoint sequence. The signature covers SignedBytes.
type CheckpointMsg struct {
	ID          ID       // The ID of the replica who sent the message.
	Seq         Sequence // The last sequence number covered by the checkpoint.
	StateDigest Hash     // The state digest of the log prefix up to Seq.
	Signature   QuorumSignature
}

// SignedBytes returns the byte string that the sender's signature covers.
func (c CheckpointMsg) SignedBytes() []byte {
	return VoteBytes(PhaseCheckpoint, 0, c.Seq, c.StateDigest)
}

func (c CheckpointMsg) String() string {
	return fmt.Sprintf("CheckpointMsg{ ID: %d, seq: %d, state: %.6s }", c.ID, c.Seq, c.StateDigest.String())
}

// FetchEntriesMsg asks a peer for committed log entries in [From, To].
// To == 0 asks for everything the peer has committed from From onward.
type FetchEntriesMsg struct {
	ID   ID // The ID of the replica who sent the message.
	From Sequence
	To   Sequence
}

// EntriesMsg answers a FetchEntriesMsg with committed entries and their
// certificates.
type EntriesMsg struct {
	ID      ID // The ID of the replica who sent the message.
	Entries []LogEntry
}

// Internal events:

// PrepareCertEvent is raised when a quorum of prepare votes assembles.
type PrepareCertEvent struct {
	Cert PrepareCert
}

// CommitCertEvent is raised when a quorum of commit votes assembles.
type CommitCertEvent struct {
	Cert CommitCert
}

// CommitEvent is raised whenever an entry is committed to the log.
type CommitEvent struct {
	Entry LogEntry
}

// CheckpointEvent is raised when a checkpoint certificate assembles and the
// checkpoint becomes stable.
type CheckpointEvent struct {
	Cert CheckpointCert
}

// ViewChangeEvent is raised when the replica enters a new view. Base is the
// checkpoint sequence the new view resumes numbering after; re-proposals start
// at Base+1. Timeout is true if this replica observed the view change through
// its own timer rather than adopting it from others.
type ViewChangeEvent struct {
	View    View
	Base    Sequence
	Timeout bool
}

// TimeoutEvent is raised when the view timer expires before the view makes
// progress.
type TimeoutEvent struct {
	View View
}

// BatchReadyEvent is raised by the request queue when requests are waiting to
// be proposed.
type BatchReadyEvent struct{}

// SyncNeededEvent is raised when the replica holds commit certificates it
// cannot apply because earlier entries or request bodies are missing. The
// state sync module answers it by fetching [From, To] from the peers.
type SyncNeededEvent struct {
	From Sequence
	To   Sequence
}

// EquivocationEvent records evidence that a replica endorsed a digest that
// conflicts with the accepted digest for a view and sequence. It is evidence,
// not an error; the protocol keeps running.
type EquivocationEvent struct {
	Source      ID
	View        View
	Seq         Sequence
	Accepted    Hash
	Conflicting Hash
}

func (e EquivocationEvent) String() string {
	return fmt.Sprintf("EquivocationEvent{ source: %d, view: %d, seq: %d, accepted: %.6s, conflicting: %.6s }",
		e.Source, e.View, e.Seq, e.Accepted.String(), e.Conflicting.String())
}

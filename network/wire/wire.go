// Package wire contains the serialized forms of protocol messages and
// conversion functions between them and the in-memory message structures.
package wire

// QuorumSignature is the serialized form of a quorum signature. Exactly one
// of the fields is set, matching the crypto implementation that produced it.
type QuorumSignature struct {
	EDDSASigs []EDDSASignature         `json:"eddsa_sigs,omitempty"`
	ECDSASigs []ECDSASignature         `json:"ecdsa_sigs,omitempty"`
	BLS12Sig  *BLS12AggregateSignature `json:"bls12_sig,omitempty"`
}

// EDDSASignature is the serialized form of a single Ed25519 signature.
type EDDSASignature struct {
	Signer uint32 `json:"signer"`
	Sig    []byte `json:"sig"`
}

// ECDSASignature is the serialized form of a single ECDSA signature.
type ECDSASignature struct {
	Signer uint32 `json:"signer"`
	R      []byte `json:"r"`
	S      []byte `json:"s"`
}

// BLS12AggregateSignature is the serialized form of a BLS12-381 aggregate
// signature with its participant bitfield.
type BLS12AggregateSignature struct {
	Sig          []byte `json:"sig"`
	Participants []byte `json:"participants"`
}

// Request is the serialized form of a client request.
type Request struct {
	Client  uint32 `json:"client"`
	Nonce   uint64 `json:"nonce"`
	Command string `json:"command"`
}

// Vote is the serialized form of a vote.
type Vote struct {
	Phase  uint8            `json:"phase"`
	View   uint64           `json:"view"`
	Seq    uint64           `json:"seq"`
	Digest []byte           `json:"digest"`
	Sig    *QuorumSignature `json:"sig,omitempty"`
}

// PrepareCert is the serialized form of a prepare certificate.
type PrepareCert struct {
	View   uint64           `json:"view"`
	Seq    uint64           `json:"seq"`
	Digest []byte           `json:"digest"`
	Sig    *QuorumSignature `json:"sig,omitempty"`
}

// CommitCert is the serialized form of a commit certificate with its nested
// prepare certificate.
type CommitCert struct {
	Prepare PrepareCert      `json:"prepare"`
	Sig     *QuorumSignature `json:"sig,omitempty"`
}

// CheckpointCert is the serialized form of a checkpoint certificate.
type CheckpointCert struct {
	Seq         uint64           `json:"seq"`
	StateDigest []byte           `json:"state_digest"`
	Sig         *QuorumSignature `json:"sig,omitempty"`
}

// Proposal is the serialized form of a proposal. The request is omitted when
// a re-proposal carries only a certified digest.
type Proposal struct {
	ID      uint32           `json:"id"`
	View    uint64           `json:"view"`
	Seq     uint64           `json:"seq"`
	Digest  []byte           `json:"digest"`
	Request *Request         `json:"request,omitempty"`
	Sig     *QuorumSignature `json:"sig,omitempty"`
}

// VoteMsg is the serialized form of a vote message.
type VoteMsg struct {
	ID   uint32 `json:"id"`
	Vote Vote   `json:"vote"`
}

// PreparedRequest is the serialized form of a prepare certificate paired with
// its request.
type PreparedRequest struct {
	Cert    PrepareCert `json:"cert"`
	Request *Request    `json:"request,omitempty"`
}

// ViewChange is the serialized form of a view change message.
type ViewChange struct {
	ID         uint32            `json:"id"`
	NewView    uint64            `json:"new_view"`
	Checkpoint CheckpointCert    `json:"checkpoint"`
	Prepared   []PreparedRequest `json:"prepared,omitempty"`
	Committed  []CommitCert      `json:"committed,omitempty"`
	Sig        *QuorumSignature  `json:"sig,omitempty"`
}

// NewView is the serialized form of a new view message.
type NewView struct {
	ID        uint32           `json:"id"`
	View      uint64           `json:"view"`
	Records   []ViewChange     `json:"records"`
	Proposals []Proposal       `json:"proposals,omitempty"`
	Sig       *QuorumSignature `json:"sig,omitempty"`
}

// CheckpointMsg is the serialized form of a checkpoint vote.
type CheckpointMsg struct {
	ID          uint32           `json:"id"`
	Seq         uint64           `json:"seq"`
	StateDigest []byte           `json:"state_digest"`
	Sig         *QuorumSignature `json:"sig,omitempty"`
}

// FetchEntries is the serialized form of a log entry fetch request.
type FetchEntries struct {
	ID   uint32 `json:"id"`
	From uint64 `json:"from"`
	To   uint64 `json:"to,omitempty"`
}

// LogEntry is the serialized form of a committed log entry.
type LogEntry struct {
	Seq         uint64     `json:"seq"`
	Request     Request    `json:"request"`
	Digest      []byte     `json:"digest"`
	Cert        CommitCert `json:"cert"`
	StateDigest []byte     `json:"state_digest"`
}

// Entries is the serialized form of a log entry fetch response.
type Entries struct {
	ID      uint32     `json:"id"`
	Entries []LogEntry `json:"entries,omitempty"`
}

// Statuses carried by ClientReply.
const (
	StatusCommitted = "committed"
	StatusDuplicate = "duplicate"
	StatusNotLeader = "not_leader"
	StatusError     = "error"
)

// ClientReply is the serialized form of a replica's answer to a submitted
// request. Status is one of the status constants above; the remaining fields
// depend on the status.
type ClientReply struct {
	Status      string `json:"status"`
	Leader      uint32 `json:"leader,omitempty"`
	Client      uint32 `json:"client,omitempty"`
	Nonce       uint64 `json:"nonce,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	StateDigest []byte `json:"state_digest,omitempty"`
	Error       string `json:"error,omitempty"`
}

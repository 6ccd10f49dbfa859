package wire

import (
	"fmt"
	"math/big"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/security/crypto"
)

// QuorumSignatureToWire converts a quorum signature to its serialized form.
func QuorumSignatureToWire(sig nbft.QuorumSignature) *QuorumSignature {
	if sig == nil {
		return nil
	}
	switch s := sig.(type) {
	case crypto.Multi[*crypto.EDDSASignature]:
		sigs := make([]EDDSASignature, 0, s.Len())
		for _, p := range s {
			sigs = append(sigs, EDDSASignature{
				Signer: uint32(p.Signer()),
				Sig:    p.ToBytes(),
			})
		}
		return &QuorumSignature{EDDSASigs: sigs}
	case crypto.Multi[*crypto.ECDSASignature]:
		sigs := make([]ECDSASignature, 0, s.Len())
		for _, p := range s {
			sigs = append(sigs, ECDSASignature{
				Signer: uint32(p.Signer()),
				R:      p.R().Bytes(),
				S:      p.S().Bytes(),
			})
		}
		return &QuorumSignature{ECDSASigs: sigs}
	case *crypto.BLS12AggregateSignature:
		return &QuorumSignature{BLS12Sig: &BLS12AggregateSignature{
			Sig:          s.ToBytes(),
			Participants: s.Bitfield().Bytes(),
		}}
	default:
		panic(fmt.Sprintf("wire: cannot serialize signature of type %T", sig))
	}
}

// QuorumSignatureFromWire restores a quorum signature from its serialized
// form. A nil input restores to a nil signature.
func QuorumSignatureFromWire(sig *QuorumSignature) (nbft.QuorumSignature, error) {
	if sig == nil {
		return nil, nil
	}
	switch {
	case len(sig.EDDSASigs) > 0:
		sigs := make([]*crypto.EDDSASignature, 0, len(sig.EDDSASigs))
		for _, p := range sig.EDDSASigs {
			sigs = append(sigs, crypto.RestoreEDDSASignature(p.Sig, nbft.ID(p.Signer)))
		}
		return crypto.RestoreMulti(sigs), nil
	case len(sig.ECDSASigs) > 0:
		sigs := make([]*crypto.ECDSASignature, 0, len(sig.ECDSASigs))
		for _, p := range sig.ECDSASigs {
			r := new(big.Int).SetBytes(p.R)
			s := new(big.Int).SetBytes(p.S)
			sigs = append(sigs, crypto.RestoreECDSASignature(r, s, nbft.ID(p.Signer)))
		}
		return crypto.RestoreMulti(sigs), nil
	case sig.BLS12Sig != nil:
		return crypto.RestoreBLS12AggregateSignature(sig.BLS12Sig.Sig, crypto.BitfieldFromBytes(sig.BLS12Sig.Participants))
	default:
		return nil, fmt.Errorf("wire: signature has no recognized type")
	}
}

func hashToBytes(h nbft.Hash) []byte {
	return h[:]
}

func hashFromBytes(b []byte) (h nbft.Hash) {
	copy(h[:], b)
	return h
}

// RequestToWire converts a request to its serialized form.
func RequestToWire(request nbft.Request) Request {
	return Request{
		Client:  uint32(request.Client()),
		Nonce:   request.Nonce(),
		Command: string(request.Command()),
	}
}

// RequestFromWire restores a request from its serialized form. The digest is
// recomputed from the restored fields.
func RequestFromWire(request Request) nbft.Request {
	return nbft.NewRequest(nbft.ClientID(request.Client), request.Nonce, nbft.Command(request.Command))
}

// VoteToWire converts a vote to its serialized form.
func VoteToWire(vote nbft.Vote) Vote {
	return Vote{
		Phase:  uint8(vote.Phase()),
		View:   uint64(vote.View()),
		Seq:    uint64(vote.Seq()),
		Digest: hashToBytes(vote.Digest()),
		Sig:    QuorumSignatureToWire(vote.Signature()),
	}
}

// VoteFromWire restores a vote from its serialized form.
func VoteFromWire(vote Vote) (nbft.Vote, error) {
	sig, err := QuorumSignatureFromWire(vote.Sig)
	if err != nil {
		return nbft.Vote{}, err
	}
	if sig == nil {
		return nbft.Vote{}, fmt.Errorf("wire: vote has no signature")
	}
	return nbft.NewVote(sig, nbft.Phase(vote.Phase), nbft.View(vote.View), nbft.Sequence(vote.Seq), hashFromBytes(vote.Digest)), nil
}

// PrepareCertToWire converts a prepare certificate to its serialized form.
func PrepareCertToWire(cert nbft.PrepareCert) PrepareCert {
	return PrepareCert{
		View:   uint64(cert.View()),
		Seq:    uint64(cert.Seq()),
		Digest: hashToBytes(cert.Digest()),
		Sig:    QuorumSignatureToWire(cert.Signature()),
	}
}

// PrepareCertFromWire restores a prepare certificate from its serialized form.
func PrepareCertFromWire(cert PrepareCert) (nbft.PrepareCert, error) {
	sig, err := QuorumSignatureFromWire(cert.Sig)
	if err != nil {
		return nbft.PrepareCert{}, err
	}
	return nbft.NewPrepareCert(sig, nbft.View(cert.View), nbft.Sequence(cert.Seq), hashFromBytes(cert.Digest)), nil
}

// CommitCertToWire converts a commit certificate to its serialized form.
func CommitCertToWire(cert nbft.CommitCert) CommitCert {
	return CommitCert{
		Prepare: PrepareCertToWire(cert.Prepare()),
		Sig:     QuorumSignatureToWire(cert.Signature()),
	}
}

// CommitCertFromWire restores a commit certificate from its serialized form.
func CommitCertFromWire(cert CommitCert) (nbft.CommitCert, error) {
	prepare, err := PrepareCertFromWire(cert.Prepare)
	if err != nil {
		return nbft.CommitCert{}, err
	}
	sig, err := QuorumSignatureFromWire(cert.Sig)
	if err != nil {
		return nbft.CommitCert{}, err
	}
	return nbft.NewCommitCert(sig, prepare), nil
}

// CheckpointCertToWire converts a checkpoint certificate to its serialized form.
func CheckpointCertToWire(cert nbft.CheckpointCert) CheckpointCert {
	return CheckpointCert{
		Seq:         uint64(cert.Seq()),
		StateDigest: hashToBytes(cert.StateDigest()),
		Sig:         QuorumSignatureToWire(cert.Signature()),
	}
}

// CheckpointCertFromWire restores a checkpoint certificate from its serialized form.
func CheckpointCertFromWire(cert CheckpointCert) (nbft.CheckpointCert, error) {
	sig, err := QuorumSignatureFromWire(cert.Sig)
	if err != nil {
		return nbft.CheckpointCert{}, err
	}
	return nbft.NewCheckpointCert(sig, nbft.Sequence(cert.Seq), hashFromBytes(cert.StateDigest)), nil
}

// requestToWire converts a request to a nil-able serialized form. A zero
// request maps to nil so that it survives the round trip; RequestFromWire
// always recomputes the digest and would turn a zero request into a hash of
// empty fields.
func requestToWire(request nbft.Request) *Request {
	if request == (nbft.Request{}) {
		return nil
	}
	wireRequest := RequestToWire(request)
	return &wireRequest
}

func requestFromWire(request *Request) nbft.Request {
	if request == nil {
		return nbft.Request{}
	}
	return RequestFromWire(*request)
}

// ProposalToWire converts a proposal to its serialized form.
func ProposalToWire(proposal nbft.ProposeMsg) Proposal {
	return Proposal{
		ID:      uint32(proposal.ID),
		View:    uint64(proposal.View),
		Seq:     uint64(proposal.Seq),
		Digest:  hashToBytes(proposal.Digest),
		Request: requestToWire(proposal.Request),
		Sig:     QuorumSignatureToWire(proposal.Signature),
	}
}

// ProposalFromWire restores a proposal from its serialized form.
func ProposalFromWire(proposal Proposal) (nbft.ProposeMsg, error) {
	sig, err := QuorumSignatureFromWire(proposal.Sig)
	if err != nil {
		return nbft.ProposeMsg{}, err
	}
	return nbft.ProposeMsg{
		ID:        nbft.ID(proposal.ID),
		View:      nbft.View(proposal.View),
		Seq:       nbft.Sequence(proposal.Seq),
		Digest:    hashFromBytes(proposal.Digest),
		Request:   requestFromWire(proposal.Request),
		Signature: sig,
	}, nil
}

// VoteMsgToWire converts a vote message to its serialized form.
func VoteMsgToWire(msg nbft.VoteMsg) VoteMsg {
	return VoteMsg{
		ID:   uint32(msg.ID),
		Vote: VoteToWire(msg.Vote),
	}
}

// VoteMsgFromWire restores a vote message from its serialized form.
func VoteMsgFromWire(msg VoteMsg) (nbft.VoteMsg, error) {
	vote, err := VoteFromWire(msg.Vote)
	if err != nil {
		return nbft.VoteMsg{}, err
	}
	return nbft.VoteMsg{
		ID:   nbft.ID(msg.ID),
		Vote: vote,
	}, nil
}

// ViewChangeToWire converts a view change message to its serialized form.
func ViewChangeToWire(msg nbft.ViewChangeMsg) ViewChange {
	var prepared []PreparedRequest
	for _, pr := range msg.Prepared {
		prepared = append(prepared, PreparedRequest{
			Cert:    PrepareCertToWire(pr.Cert),
			Request: requestToWire(pr.Request),
		})
	}
	var committed []CommitCert
	for _, cc := range msg.Committed {
		committed = append(committed, CommitCertToWire(cc))
	}
	return ViewChange{
		ID:         uint32(msg.ID),
		NewView:    uint64(msg.NewView),
		Checkpoint: CheckpointCertToWire(msg.Checkpoint),
		Prepared:   prepared,
		Committed:  committed,
		Sig:        QuorumSignatureToWire(msg.Signature),
	}
}

// ViewChangeFromWire restores a view change message from its serialized form.
func ViewChangeFromWire(msg ViewChange) (nbft.ViewChangeMsg, error) {
	checkpoint, err := CheckpointCertFromWire(msg.Checkpoint)
	if err != nil {
		return nbft.ViewChangeMsg{}, err
	}
	var prepared []nbft.PreparedRequest
	for _, pr := range msg.Prepared {
		cert, err := PrepareCertFromWire(pr.Cert)
		if err != nil {
			return nbft.ViewChangeMsg{}, err
		}
		prepared = append(prepared, nbft.PreparedRequest{
			Cert:    cert,
			Request: requestFromWire(pr.Request),
		})
	}
	var committed []nbft.CommitCert
	for _, cc := range msg.Committed {
		cert, err := CommitCertFromWire(cc)
		if err != nil {
			return nbft.ViewChangeMsg{}, err
		}
		committed = append(committed, cert)
	}
	sig, err := QuorumSignatureFromWire(msg.Sig)
	if err != nil {
		return nbft.ViewChangeMsg{}, err
	}
	return nbft.ViewChangeMsg{
		ID:         nbft.ID(msg.ID),
		NewView:    nbft.View(msg.NewView),
		Checkpoint: checkpoint,
		Prepared:   prepared,
		Committed:  committed,
		Signature:  sig,
	}, nil
}

// NewViewToWire converts a new view message to its serialized form.
func NewViewToWire(msg nbft.NewViewMsg) NewView {
	records := make([]ViewChange, 0, len(msg.Records))
	for _, rec := range msg.Records {
		records = append(records, ViewChangeToWire(rec))
	}
	var proposals []Proposal
	for _, prop := range msg.Proposals {
		proposals = append(proposals, ProposalToWire(prop))
	}
	return NewView{
		ID:        uint32(msg.ID),
		View:      uint64(msg.View),
		Records:   records,
		Proposals: proposals,
		Sig:       QuorumSignatureToWire(msg.Signature),
	}
}

// NewViewFromWire restores a new view message from its serialized form.
func NewViewFromWire(msg NewView) (nbft.NewViewMsg, error) {
	var records []nbft.ViewChangeMsg
	for _, rec := range msg.Records {
		record, err := ViewChangeFromWire(rec)
		if err != nil {
			return nbft.NewViewMsg{}, err
		}
		records = append(records, record)
	}
	var proposals []nbft.ProposeMsg
	for _, prop := range msg.Proposals {
		proposal, err := ProposalFromWire(prop)
		if err != nil {
			return nbft.NewViewMsg{}, err
		}
		proposals = append(proposals, proposal)
	}
	sig, err := QuorumSignatureFromWire(msg.Sig)
	if err != nil {
		return nbft.NewViewMsg{}, err
	}
	return nbft.NewViewMsg{
		ID:        nbft.ID(msg.ID),
		View:      nbft.View(msg.View),
		Records:   records,
		Proposals: proposals,
		Signature: sig,
	}, nil
}

// CheckpointMsgToWire converts a checkpoint vote to its serialized form.
func CheckpointMsgToWire(msg nbft.CheckpointMsg) CheckpointMsg {
	return CheckpointMsg{
		ID:          uint32(msg.ID),
		Seq:         uint64(msg.Seq),
		StateDigest: hashToBytes(msg.StateDigest),
		Sig:         QuorumSignatureToWire(msg.Signature),
	}
}

// CheckpointMsgFromWire restores a checkpoint vote from its serialized form.
func CheckpointMsgFromWire(msg CheckpointMsg) (nbft.CheckpointMsg, error) {
	sig, err := QuorumSignatureFromWire(msg.Sig)
	if err != nil {
		return nbft.CheckpointMsg{}, err
	}
	return nbft.CheckpointMsg{
		ID:          nbft.ID(msg.ID),
		Seq:         nbft.Sequence(msg.Seq),
		StateDigest: hashFromBytes(msg.StateDigest),
		Signature:   sig,
	}, nil
}

// FetchEntriesToWire converts a fetch request to its serialized form.
func FetchEntriesToWire(msg nbft.FetchEntriesMsg) FetchEntries {
	return FetchEntries{
		ID:   uint32(msg.ID),
		From: uint64(msg.From),
		To:   uint64(msg.To),
	}
}

// FetchEntriesFromWire restores a fetch request from its serialized form.
func FetchEntriesFromWire(msg FetchEntries) nbft.FetchEntriesMsg {
	return nbft.FetchEntriesMsg{
		ID:   nbft.ID(msg.ID),
		From: nbft.Sequence(msg.From),
		To:   nbft.Sequence(msg.To),
	}
}

// LogEntryToWire converts a log entry to its serialized form.
func LogEntryToWire(entry nbft.LogEntry) LogEntry {
	return LogEntry{
		Seq:         uint64(entry.Seq),
		Request:     RequestToWire(entry.Request),
		Digest:      hashToBytes(entry.Digest),
		Cert:        CommitCertToWire(entry.Cert),
		StateDigest: hashToBytes(entry.StateDigest),
	}
}

// LogEntryFromWire restores a log entry from its serialized form.
func LogEntryFromWire(entry LogEntry) (nbft.LogEntry, error) {
	cert, err := CommitCertFromWire(entry.Cert)
	if err != nil {
		return nbft.LogEntry{}, err
	}
	return nbft.LogEntry{
		Seq:         nbft.Sequence(entry.Seq),
		Request:     RequestFromWire(entry.Request),
		Digest:      hashFromBytes(entry.Digest),
		Cert:        cert,
		StateDigest: hashFromBytes(entry.StateDigest),
	}, nil
}

// EntriesToWire converts a fetch response to its serialized form.
func EntriesToWire(msg nbft.EntriesMsg) Entries {
	var entries []LogEntry
	for _, entry := range msg.Entries {
		entries = append(entries, LogEntryToWire(entry))
	}
	return Entries{
		ID:      uint32(msg.ID),
		Entries: entries,
	}
}

// EntriesFromWire restores a fetch response from its serialized form.
func EntriesFromWire(msg Entries) (nbft.EntriesMsg, error) {
	var entries []nbft.LogEntry
	for _, wireEntry := range msg.Entries {
		entry, err := LogEntryFromWire(wireEntry)
		if err != nil {
			return nbft.EntriesMsg{}, err
		}
		entries = append(entries, entry)
	}
	return nbft.EntriesMsg{
		ID:      nbft.ID(msg.ID),
		Entries: entries,
	}, nil
}

package nbft

import (
	"fmt"
)

// ClientID identifies a client of the replicated service.
type ClientID uint32

// ToBytes returns the client ID as bytes.
func (c ClientID) ToBytes() []byte {
	return ID(c).ToBytes()
}

// Command is an opaque request payload to be executed by the replicated service.
//
// The string type is used because it is immutable and can hold arbitrary bytes of any length.
type Command string

// Request is a client request. A request is identified by its client ID and
// the client's nonce; replicas use the pair to deduplicate retransmissions.
type Request struct {
	// keep a copy of the digest to avoid hashing multiple times
	digest Hash
	client ClientID
	nonce  uint64
	cmd    Command
}

// NewRequest creates a new Request.
func NewRequest(client ClientID, nonce uint64, cmd Command) Request {
	r := Request{
		client: client,
		nonce:  nonce,
		cmd:    cmd,
	}
	r.digest = HashBytes(r.ToBytes())
	return r
}

// NewNoopRequest creates the no-op filler request for the given sequence.
// No-op requests carry no client identity and are never replied to.
func NewNoopRequest(seq Sequence) Request {
	return NewRequest(0, uint64(seq), "")
}

// IsNoop reports whether the request is a no-op filler.
func (r Request) IsNoop() bool {
	return r.client == 0 && r.cmd == ""
}

// Client returns the ID of the client that issued the request.
func (r Request) Client() ClientID {
	return r.client
}

// Nonce returns the client's nonce for the request.
func (r Request) Nonce() uint64 {
	return r.nonce
}

// Command returns the request payload.
func (r Request) Command() Command {
	return r.cmd
}

// Digest returns the digest of the request.
func (r Request) Digest() Hash {
	return r.digest
}

// ToBytes returns the raw byte form of the request, to be used for hashing, etc.
func (r Request) ToBytes() []byte {
	buf := r.client.ToBytes()
	buf = append(buf, Sequence(r.nonce).ToBytes()...)
	buf = append(buf, []byte(r.cmd)...)
	return buf
}

func (r Request) String() string {
	return fmt.Sprintf("Request{ client: %d, nonce: %d, digest: %.6s }", r.client, r.nonce, r.digest.String())
}

// LogEntry is one committed entry of the replicated log. The commit
// certificate justifies the entry, and the state digest chains the digest of
// the committed prefix up to and including this entry.
type LogEntry struct {
	Seq         Sequence
	Request     Request
	Digest      Hash
	Cert        CommitCert
	StateDigest Hash
}

// ToBytes returns the raw byte form of the entry, to be used for hashing, etc.
func (e LogEntry) ToBytes() []byte {
	buf := e.Seq.ToBytes()
	buf = append(buf, e.Digest[:]...)
	buf = append(buf, e.StateDigest[:]...)
	buf = append(buf, e.Request.ToBytes()...)
	return buf
}

func (e LogEntry) String() string {
	return fmt.Sprintf("LogEntry{ seq: %d, digest: %.6s, state: %.6s }", e.Seq, e.Digest.String(), e.StateDigest.String())
}

// Package nbft defines the core types shared by the packages that implement
// the NBFT protocol. NBFT is a PBFT-family Byzantine fault tolerant protocol:
// a leader proposes client requests at increasing sequence numbers, and the
// replicas run two nested voting rounds per sequence. The first round yields a
// prepare certificate proving that no conflicting proposal can be certified at
// that view and sequence, and the second round yields a commit certificate
// that nests the prepare certificate it ratifies. Committed entries go into a
// durable, gap-free log that is periodically checkpointed.
package nbft

import (
	"crypto"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ID uniquely identifies a replica. IDs are 1-based.
type ID uint32

// ToBytes returns the ID as bytes.
func (id ID) ToBytes() []byte {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(id))
	return idBytes[:]
}

// View is a number that uniquely identifies a view.
type View uint64

// ToBytes returns the view as bytes.
func (v View) ToBytes() []byte {
	var viewBytes [8]byte
	binary.LittleEndian.PutUint64(viewBytes[:], uint64(v))
	return viewBytes[:]
}

// Sequence is the position of an entry in the replicated log.
// Sequence numbers are assigned by the leader and are strictly increasing.
type Sequence uint64

// ToBytes returns the sequence number as bytes.
func (s Sequence) ToBytes() []byte {
	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], uint64(s))
	return seqBytes[:]
}

// Hash is a SHA3-256 hash.
type Hash [32]byte

func (h Hash) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// HashBytes returns the SHA3-256 digest of the given bytes.
func HashBytes(b []byte) Hash {
	return sha3.Sum256(b)
}

// ChainHash extends a running digest with the next entry digest.
// It is used to maintain the state digest over the committed log prefix.
func ChainHash(prev, next Hash) Hash {
	return sha3.Sum256(append(prev[:], next[:]...))
}

// ToBytes is an object that can be converted into bytes for the purposes of hashing, etc.
type ToBytes interface {
	// ToBytes returns the object as bytes.
	ToBytes() []byte
}

// PublicKey is the public part of a replica's key pair.
type PublicKey = crypto.PublicKey

// PrivateKey is the private part of a replica's key pair.
type PrivateKey interface {
	// Public returns the public key associated with this private key.
	Public() PublicKey
}

// QuorumSignature is a signature that is only valid when it contains the signatures of a quorum of replicas.
type QuorumSignature interface {
	ToBytes
	// Participants returns the IDs of replicas who participated in the threshold signature.
	Participants() IDSet
}

// NumFaulty returns the maximum number of Byzantine replicas that can be
// tolerated among n replicas.
func NumFaulty(n int) int {
	return (n - 1) / 3
}

// QuorumSize returns the number of matching votes needed to form a
// certificate among n replicas.
func QuorumSize(n int) int {
	return 2*NumFaulty(n) + 1
}

// ReplicaInfo holds the connection and identity information of one replica.
type ReplicaInfo struct {
	ID      ID
	Address string
	PubKey  PublicKey
}

// IDSet implements a set of replica IDs. It is used to show which replicas participated in some event.
type IDSet interface {
	// Add adds an ID to the set.
	Add(id ID)
	// Contains returns true if the set contains the ID.
	Contains(id ID) bool
	// ForEach calls f for each ID in the set.
	ForEach(f func(ID))
	// RangeWhile calls f for each ID in the set until f returns false.
	RangeWhile(f func(ID) bool)
	// Len returns the number of entries in the set.
	Len() int
}

// idSetMap implements IDSet using a map.
type idSetMap map[ID]struct{}

// NewIDSet returns a new IDSet using the default implementation.
func NewIDSet() IDSet {
	return make(idSetMap)
}

// Add adds an ID to the set.
func (s idSetMap) Add(id ID) {
	s[id] = struct{}{}
}

// Contains returns true if the set contains the given ID.
func (s idSetMap) Contains(id ID) bool {
	_, ok := s[id]
	return ok
}

// ForEach calls f for each ID in the set.
func (s idSetMap) ForEach(f func(ID)) {
	for id := range s {
		f(id)
	}
}

// RangeWhile calls f for each ID in the set until f returns false.
func (s idSetMap) RangeWhile(f func(ID) bool) {
	for id := range s {
		if !f(id) {
			break
		}
	}
}

// Len returns the number of entries in the set.
func (s idSetMap) Len() int {
	return len(s)
}

func (s idSetMap) String() string {
	return IDSetToString(s)
}

// IDSetToString formats an IDSet as a string.
func IDSetToString(set IDSet) string {
	var sb strings.Builder
	sb.WriteString("[ ")
	set.ForEach(func(i ID) {
		sb.WriteString(strconv.Itoa(int(i)))
		sb.WriteString(" ")
	})
	sb.WriteString("]")
	return sb.String()
}

package crypto

import "github.com/radman021/nbft"

// Base provides the basic cryptographic methods needed to create, verify, and combine signatures.
type Base interface {
	// Sign creates a cryptographic signature of the given message.
	Sign(message []byte) (signature nbft.QuorumSignature, err error)
	// Combine combines multiple signatures into a single signature.
	Combine(signatures ...nbft.QuorumSignature) (signature nbft.QuorumSignature, err error)
	// Verify verifies the given quorum signature against the message.
	Verify(signature nbft.QuorumSignature, message []byte) error
	// BatchVerify verifies the given quorum signature against the batch of messages.
	BatchVerify(signature nbft.QuorumSignature, batch map[nbft.ID][]byte) error
}

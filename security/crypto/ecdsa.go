package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"go.uber.org/multierr"
)

// NameECDSA selects the ECDSA implementation.
const NameECDSA = "ecdsa"

const (
	// ECDSAPrivateKeyFileType is the PEM type for a private key.
	ECDSAPrivateKeyFileType = "ECDSA PRIVATE KEY"
	// ECDSAPublicKeyFileType is the PEM type for a public key.
	ECDSAPublicKeyFileType = "ECDSA PUBLIC KEY"
)

// ECDSASignature is an ECDSA signature.
type ECDSASignature struct {
	r, s   *big.Int
	signer nbft.ID
}

// RestoreECDSASignature restores an existing signature.
// It should not be used to create new signatures, use Sign instead.
func RestoreECDSASignature(r, s *big.Int, signer nbft.ID) *ECDSASignature {
	return &ECDSASignature{r, s, signer}
}

// Signer returns the ID of the replica that generated the signature.
func (sig ECDSASignature) Signer() nbft.ID {
	return sig.signer
}

// R returns the r value of the signature.
func (sig ECDSASignature) R() *big.Int {
	return sig.r
}

// S returns the s value of the signature.
func (sig ECDSASignature) S() *big.Int {
	return sig.s
}

// ToBytes returns a raw byte string representation of the signature.
func (sig ECDSASignature) ToBytes() []byte {
	var b []byte
	b = append(b, sig.r.Bytes()...)
	b = append(b, sig.s.Bytes()...)
	return b
}

// ECDSA implements the crypto operations for the ECDSA P-256 curve.
type ECDSA struct {
	config *core.RuntimeConfig
}

// NewECDSA returns a new instance of the ECDSA crypto implementation.
func NewECDSA(config *core.RuntimeConfig) *ECDSA {
	return &ECDSA{
		config: config,
	}
}

func (ec *ECDSA) privateKey() *ecdsa.PrivateKey {
	return ec.config.PrivateKey().(*ecdsa.PrivateKey)
}

// Sign creates a cryptographic signature of the given message.
func (ec *ECDSA) Sign(message []byte) (signature nbft.QuorumSignature, err error) {
	hash := nbft.HashBytes(message)
	r, s, err := ecdsa.Sign(rand.Reader, ec.privateKey(), hash[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa: sign failed: %w", err)
	}
	return Multi[*ECDSASignature]{ec.config.ID(): {
		r:      r,
		s:      s,
		signer: ec.config.ID(),
	}}, nil
}

// Combine combines multiple signatures into a single signature.
func (ec *ECDSA) Combine(signatures ...nbft.QuorumSignature) (nbft.QuorumSignature, error) {
	if len(signatures) < 2 {
		return nil, ErrCombineMultiple
	}

	ts := make(Multi[*ECDSASignature])
	for _, sig1 := range signatures {
		if sig2, ok := sig1.(Multi[*ECDSASignature]); ok {
			for id, s := range sig2 {
				if _, duplicate := ts[id]; duplicate {
					return nil, ErrCombineOverlap
				}
				ts[id] = s
			}
		} else {
			return nil, fmt.Errorf("ecdsa: cannot combine signature of incompatible type %T (expected %T)", sig1, sig2)
		}
	}
	return ts, nil
}

// Verify verifies the given quorum signature against the message.
func (ec *ECDSA) Verify(signature nbft.QuorumSignature, message []byte) error {
	s, ok := signature.(Multi[*ECDSASignature])
	if !ok {
		return fmt.Errorf("ecdsa: cannot verify signature of incompatible type %T (expected %T)", signature, s)
	}
	n := signature.Participants().Len()
	if n == 0 {
		return fmt.Errorf("ecdsa: failed to verify: no participants")
	}

	results := make(chan error, n)
	hash := nbft.HashBytes(message)
	for _, sig := range s {
		go func(sig *ECDSASignature, hash nbft.Hash) {
			results <- ec.verifySingle(sig, hash)
		}(sig, hash)
	}
	var err error
	for range s {
		err = multierr.Append(err, <-results)
	}
	return err
}

// BatchVerify verifies the given quorum signature against the batch of messages.
func (ec *ECDSA) BatchVerify(signature nbft.QuorumSignature, batch map[nbft.ID][]byte) error {
	s, ok := signature.(Multi[*ECDSASignature])
	if !ok {
		return fmt.Errorf("ecdsa: cannot verify signature of incompatible type %T (expected %T)", signature, s)
	}
	n := signature.Participants().Len()
	if n == 0 {
		return fmt.Errorf("ecdsa: failed to verify batch: no participants")
	}

	results := make(chan error, n)
	set := make(map[nbft.Hash]struct{})
	for id, sig := range s {
		message, ok := batch[id]
		if !ok {
			return fmt.Errorf("ecdsa: message not found")
		}
		hash := nbft.HashBytes(message)
		set[hash] = struct{}{}
		go func(sig *ECDSASignature, hash nbft.Hash) {
			results <- ec.verifySingle(sig, hash)
		}(sig, hash)
	}
	var err error
	for range s {
		err = multierr.Append(err, <-results)
	}
	if err != nil {
		return err
	}
	// valid if all partial signatures are valid and there are no duplicate messages
	if len(set) != len(batch) {
		return fmt.Errorf("ecdsa: invalid signature")
	}
	return nil
}

func (ec *ECDSA) verifySingle(sig *ECDSASignature, hash nbft.Hash) error {
	replica, ok := ec.config.ReplicaInfo(sig.Signer())
	if !ok {
		return fmt.Errorf("ecdsa: failed to verify signature from replica %d: unknown replica", sig.Signer())
	}
	pk := replica.PubKey.(*ecdsa.PublicKey)
	if !ecdsa.Verify(pk, hash[:], sig.R(), sig.S()) {
		return fmt.Errorf("ecdsa: failed to verify signature from replica %d", sig.Signer())
	}
	return nil
}

var (
	_ nbft.QuorumSignature = (Multi[*ECDSASignature])(nil)
	_ nbft.IDSet           = (Multi[*ECDSASignature])(nil)
	_ Signature            = (*ECDSASignature)(nil)
	_ Base                 = (*ECDSA)(nil)
)

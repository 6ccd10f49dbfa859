package cert

import "errors"

var (
	// ErrNoSignature is returned when a message or certificate carries no signature.
	ErrNoSignature = errors.New("no signature")

	// ErrNotAQuorum is returned when a certificate has fewer signers than the quorum size.
	ErrNotAQuorum = errors.New("not enough signers to form a quorum")

	// ErrWrongSigner is returned when a signature was not created by the claimed sender.
	ErrWrongSigner = errors.New("signature does not match the claimed sender")

	// ErrVoteMismatch is returned when votes to be combined do not agree on
	// phase, view, sequence and digest.
	ErrVoteMismatch = errors.New("votes do not agree on phase, view, sequence and digest")
)

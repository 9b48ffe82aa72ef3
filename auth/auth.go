// Package auth checks that a loan request was signed by its borrower.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/michaelpento.lv/flashvault/types"
)

var (
	ErrMissingSignature = errors.New("auth: missing signature")
	ErrBadSignature     = errors.New("auth: malformed signature")
	ErrSignerMismatch   = errors.New("auth: signer is not the borrower")
)

// Sign sets req.Signature to key's signature over the request digest. The
// borrower field is set from the key when empty.
func Sign(req *types.LoanRequest, key *ecdsa.PrivateKey) error {
	if req.Borrower == (common.Address{}) {
		req.Borrower = crypto.PubkeyToAddress(key.PublicKey)
	}
	digest := req.Digest()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return fmt.Errorf("failed to sign loan request: %w", err)
	}
	req.Signature = sig
	return nil
}

// Verifier authorizes requests carrying a valid secp256k1 signature by the
// borrower identity.
type Verifier struct{}

func (Verifier) Authorize(req types.LoanRequest) error {
	if len(req.Signature) == 0 {
		return ErrMissingSignature
	}
	if len(req.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: %d bytes", ErrBadSignature, len(req.Signature))
	}
	digest := req.Digest()
	pub, err := crypto.SigToPub(digest.Bytes(), req.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != req.Borrower {
		return fmt.Errorf("%w: signed by %s", ErrSignerMismatch, signer.Hex())
	}
	return nil
}

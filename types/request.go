package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// LoanRequest is the input of one flash loan execution.
type LoanRequest struct {
	Vault           common.Address // vault to borrow from
	BorrowerAccount common.Address // token account receiving and repaying the loan
	Borrower        common.Address // identity authorizing the request
	Mint            common.Address // asset the borrower expects
	Amount          Amount
	Expiration      time.Time
	Signature       []byte // borrower signature over Digest
}

type signedFields struct {
	Domain          string
	Vault           common.Address
	BorrowerAccount common.Address
	Borrower        common.Address
	Mint            common.Address
	Amount          uint64
	Expiration      uint64
}

const requestDomain = "flashvault/loan/v1"

// Digest is the Keccak256 hash of the RLP encoding of every field except the
// signature. It is what the borrower signs.
func (r *LoanRequest) Digest() common.Hash {
	var exp uint64
	if unix := r.Expiration.Unix(); unix > 0 {
		exp = uint64(unix)
	}
	raw, err := rlp.EncodeToBytes(&signedFields{
		Domain:          requestDomain,
		Vault:           r.Vault,
		BorrowerAccount: r.BorrowerAccount,
		Borrower:        r.Borrower,
		Mint:            r.Mint,
		Amount:          r.Amount,
		Expiration:      exp,
	})
	if err != nil {
		// Every field has a fixed RLP encoding.
		panic(err)
	}
	return crypto.Keccak256Hash(raw)
}

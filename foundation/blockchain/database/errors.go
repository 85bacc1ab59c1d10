package database

import (
	"errors"
	"fmt"
)

// Set of errors for transaction validation. Submissions rejected with one of
// these never touch the accounts database.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrFeeTooLow         = errors.New("fee too low")
	ErrMalformed         = errors.New("malformed transaction")
)

// Set of errors for block and chain validation.
var (
	ErrInvalidProofOfWork = errors.New("invalid proof of work")
	ErrBrokenLinkage      = errors.New("broken block linkage")
	ErrShorterOrEqualFork = errors.New("fork is shorter or equal to the local chain")

	// ErrChainForked is returned from ValidateBlock if another node's chain
	// is two or more blocks ahead of ours.
	ErrChainForked = errors.New("blockchain forked, start resync")
)

// InvalidBlockError is returned when a block is rejected because one of its
// transactions failed validation. The whole block is discarded and none of
// its transactions are applied.
type InvalidBlockError struct {
	BlockHash string
	TxID      string
	Err       error
}

// Error implements the error interface.
func (ibe *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block %s, tx %s: %s", ibe.BlockHash, ibe.TxID, ibe.Err)
}

// Unwrap exposes the transaction error that failed the block.
func (ibe *InvalidBlockError) Unwrap() error {
	return ibe.Err
}

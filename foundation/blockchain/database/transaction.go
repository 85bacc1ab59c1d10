package database

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ardanlabs/coin/foundation/blockchain/signature"
)

// Tx is the transactional information between two parties.
type Tx struct {
	ChainID   uint16    `json:"chain_id"`  // The chain id the transaction is bound to.
	Nonce     uint64    `json:"nonce"`     // The sender account's nonce this transaction consumes.
	ToID      AccountID `json:"to"`        // Account receiving the transfer.
	Value     uint64    `json:"value"`     // Monetary value of the transfer.
	Fee       uint64    `json:"fee"`       // Fee offered by the sender for inclusion in a block.
	TimeStamp uint64    `json:"timestamp"` // The time the transaction was created by the sender.
}

// NewTx constructs a new transaction.
func NewTx(chainID uint16, nonce uint64, toID AccountID, value uint64, fee uint64) (Tx, error) {
	if !toID.IsAccountID() {
		return Tx{}, fmt.Errorf("%w: to account is not properly formatted", ErrMalformed)
	}

	tx := Tx{
		ChainID:   chainID,
		Nonce:     nonce,
		ToID:      toID,
		Value:     value,
		Fee:       fee,
		TimeStamp: uint64(time.Now().UTC().Unix()),
	}

	return tx, nil
}

// Sign uses the specified private key to sign the transaction. This is the
// only way to produce a validly signed transaction; the fields cannot be
// changed afterwards without breaking the signature.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (SignedTx, error) {
	if !tx.ToID.IsAccountID() {
		return SignedTx{}, fmt.Errorf("%w: to account is not properly formatted", ErrMalformed)
	}

	v, r, s, err := signature.Sign(tx, privateKey)
	if err != nil {
		return SignedTx{}, err
	}

	signedTx := SignedTx{
		Tx: tx,
		V:  v,
		R:  r,
		S:  s,
	}

	return signedTx, nil
}

// =============================================================================

// SignedTx is a signed version of the transaction. This is how clients like
// a wallet provide transactions for inclusion into the blockchain.
type SignedTx struct {
	Tx
	V *big.Int `json:"v"` // Recovery identifier.
	R *big.Int `json:"r"` // First coordinate of the ECDSA signature.
	S *big.Int `json:"s"` // Second coordinate of the ECDSA signature.
}

// Validate verifies the transaction is well formed: a proper signature over
// the transaction fields, a valid destination, a value being moved, and a
// timestamp within the accepted clock skew.
func (tx SignedTx) Validate(chainID uint16) error {
	if tx.ChainID != chainID {
		return fmt.Errorf("%w: wrong chain id, got %d, exp %d", ErrMalformed, tx.ChainID, chainID)
	}

	if !tx.ToID.IsAccountID() {
		return fmt.Errorf("%w: invalid account for to account", ErrMalformed)
	}

	if tx.Value+tx.Fee == 0 {
		return fmt.Errorf("%w: transaction must move value or pay a fee", ErrMalformed)
	}

	// The total spend must fit in a uint64 or the balance checks downstream
	// would compare against a wrapped value.
	if tx.Value > math.MaxUint64-tx.Fee {
		return fmt.Errorf("%w: value plus fee overflows", ErrMalformed)
	}

	// Reject timestamps from the future beyond the accepted clock skew.
	// There is no past bound: a transaction legitimately ages while it
	// waits in mempools and is re-shared between peers.
	const maxClockSkew = 15 * time.Minute
	txTime := time.Unix(int64(tx.TimeStamp), 0)
	if txTime.After(time.Now().UTC().Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp too far in the future", ErrMalformed)
	}

	if err := signature.VerifySignature(tx.V, tx.R, tx.S); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	return nil
}

// FromAccount extracts the account id that signed the transaction.
func (tx SignedTx) FromAccount() (AccountID, error) {
	address, err := signature.FromAddress(tx.Tx, tx.V, tx.R, tx.S)
	return AccountID(address), err
}

// ID returns the unique id for this transaction, the hash of the
// transaction fields minus the signature.
func (tx SignedTx) ID() string {
	return signature.Hash(tx.Tx)
}

// SignatureString returns the signature as a string.
func (tx SignedTx) SignatureString() string {
	return signature.SignatureString(tx.V, tx.R, tx.S)
}

// String implements the fmt.Stringer interface for logging.
func (tx SignedTx) String() string {
	from, err := tx.FromAccount()
	if err != nil {
		from = "unknown"
	}

	return fmt.Sprintf("%s:%d", from, tx.Nonce)
}

// =============================================================================

// BlockTx represents the transaction as it's recorded inside a block. The
// received stamp records when this node first saw the transaction and is
// used to break fee ties during block selection.
type BlockTx struct {
	SignedTx
	ReceivedStamp uint64 `json:"received_stamp"`
}

// NewBlockTx constructs a new block transaction.
func NewBlockTx(signedTx SignedTx) BlockTx {
	return BlockTx{
		SignedTx:      signedTx,
		ReceivedStamp: uint64(time.Now().UTC().UnixMicro()),
	}
}

// NewRewardTx constructs the synthetic transaction crediting the miner of a
// block with the mining reward plus the collected fees. A reward transaction
// carries no signature and consumes no nonce.
func NewRewardTx(chainID uint16, beneficiaryID AccountID, value uint64) BlockTx {
	return BlockTx{
		SignedTx: SignedTx{
			Tx: Tx{
				ChainID:   chainID,
				ToID:      beneficiaryID,
				Value:     value,
				TimeStamp: uint64(time.Now().UTC().Unix()),
			},
		},
		ReceivedStamp: uint64(time.Now().UTC().UnixMicro()),
	}
}

// IsReward reports whether this transaction is the synthetic block reward.
func (tx BlockTx) IsReward() bool {
	return tx.V == nil && tx.R == nil && tx.S == nil
}

// Hash implements the merkle Hashable interface to provide a hash of a
// block transaction, signature included.
func (tx BlockTx) Hash() ([]byte, error) {
	str := signature.Hash(tx)
	return hex.DecodeString(str[2:])
}

package state

import (
	"github.com/ardanlabs/coin/foundation/blockchain/database"
)

// SubmitWalletTransaction accepts a signed transaction from a wallet for
// inclusion into the next block. On success the transaction is shared with
// the known peers and mining is signaled.
func (s *State) SubmitWalletTransaction(signedTx database.SignedTx) (string, error) {
	s.evHandler("state: SubmitWalletTransaction: started: tx[%s]", signedTx)
	defer s.evHandler("state: SubmitWalletTransaction: completed")

	tx := database.NewBlockTx(signedTx)

	if err := s.upsertMempool(tx); err != nil {
		return "", err
	}

	s.Worker.SignalShareTx(tx)
	s.Worker.SignalStartMining()

	return tx.ID(), nil
}

// SubmitNodeTransaction accepts a transaction from a peer node for
// inclusion. It runs the same validation as a wallet submission but does
// not share the transaction again.
func (s *State) SubmitNodeTransaction(tx database.BlockTx) error {
	s.evHandler("state: SubmitNodeTransaction: started: tx[%s]", tx)
	defer s.evHandler("state: SubmitNodeTransaction: completed")

	if err := s.upsertMempool(tx); err != nil {
		return err
	}

	s.Worker.SignalStartMining()

	return nil
}

// FundAccount credits the specified account outside of consensus. This is
// the privileged bootstrap/test operation, not reachable through ordinary
// transaction validation.
func (s *State) FundAccount(accountID database.AccountID, amount uint64) error {
	s.evHandler("state: FundAccount: account[%s] amount[%d]", accountID, amount)

	return s.db.Deposit(accountID, amount)
}

// =============================================================================

// upsertMempool validates the transaction against the current account state
// plus the transactions already pending for the same sender, and inserts it
// into the mempool. The check and the insert happen under one lock so two
// concurrent submissions can't both claim the same nonce.
func (s *State) upsertMempool(tx database.BlockTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Well-formedness and signature rules that don't need account state.
	if err := tx.Validate(s.genesis.ChainID); err != nil {
		return err
	}

	fromID, err := tx.FromAccount()
	if err != nil {
		return err
	}

	// Track the provisional nonce cursor for this sender. A transaction
	// replacing a pending entry with the same nonce must not advance the
	// cursor, so the pending count ignores the slot it overwrites.
	pendingCount, pendingSpend := s.mempool.PendingForAccount(fromID)
	if replaced, ok := s.mempool.Pending(fromID, tx.Nonce); ok {
		pendingCount--
		pendingSpend -= replaced.Value + replaced.Fee
	}

	if err := s.db.ValidateSubmission(tx.SignedTx, pendingCount, pendingSpend); err != nil {
		return err
	}

	return s.mempool.Upsert(tx)
}

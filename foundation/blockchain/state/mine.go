package state

import (
	"context"
	"errors"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
)

// ErrNoTransactions is returned when a block is requested to be created
// and there are no transactions in the mempool.
var ErrNoTransactions = errors.New("no transactions in mempool")

// MineNewBlock attempts to create a new block with a proper hash. It will
// execute the proof of work until it's solved or the context is cancelled.
func (s *State) MineNewBlock(ctx context.Context) (database.Block, error) {
	defer s.evHandler("state: MineNewBlock: mining: completed")

	s.evHandler("state: MineNewBlock: mining: check mempool count")

	// Are there enough transactions in the pool.
	if s.mempool.Count() == 0 {
		return database.Block{}, ErrNoTransactions
	}

	// Pick the best transactions from the mempool.
	trans := s.mempool.PickBest(int(s.genesis.TransPerBlock))

	// Attempt to create a new block by solving the POW puzzle. This can
	// be cancelled.
	block, err := database.POW(ctx, database.POWArgs{
		BeneficiaryID: s.beneficiaryID,
		ChainID:       s.genesis.ChainID,
		Difficulty:    s.genesis.Difficulty,
		MiningReward:  s.genesis.MiningReward,
		PrevBlock:     s.db.LatestBlock(),
		Trans:         trans,
		EvHandler:     s.evHandler,
	})
	if err != nil {
		return database.Block{}, err
	}

	// Just check one more time we were not cancelled.
	if ctx.Err() != nil {
		return database.Block{}, ctx.Err()
	}

	s.evHandler("state: MineNewBlock: mining: validate and update database")

	// Validate the block and then update the blockchain database.
	if err := s.validateUpdateDatabase(block); err != nil {
		return database.Block{}, err
	}

	return block, nil
}

// ProcessProposedBlock takes a block received from a peer, validates it,
// and if valid adds it to the local chain. Any in-flight local mining is
// cancelled first since its work would be wasted either way.
func (s *State) ProcessProposedBlock(block database.Block) error {
	s.evHandler("state: ProcessProposedBlock: started: prevBlk[%s]: newBlk[%s]: numTrans[%d]", block.Header.PrevBlockHash, block.Hash(), len(block.Trans.Values()))
	defer s.evHandler("state: ProcessProposedBlock: completed")

	// If the runMiningOperation function is being executed it needs to stop
	// immediately.
	done := s.Worker.SignalCancelMining()
	defer done()

	return s.validateUpdateDatabase(block)
}

// =============================================================================

// validateUpdateDatabase takes the block and validates it against the
// consensus rules. If the block passes, then the state of the node is
// updated including adding the block to disk.
func (s *State) validateUpdateDatabase(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evHandler("state: validateUpdateDatabase: validate block")

	if err := block.ValidateBlock(s.db.LatestBlock(), s.genesis.MiningReward, s.evHandler); err != nil {
		return err
	}

	if err := s.db.ApplyBlock(block); err != nil {
		return err
	}

	s.evHandler("state: validateUpdateDatabase: write to disk")

	// Write the new block to the chain on disk.
	if err := s.db.Write(block); err != nil {
		return err
	}

	s.evHandler("state: validateUpdateDatabase: update mempool")

	s.cleanMempoolLocked(block.Trans.Values())

	return nil
}

// cleanMempoolLocked removes the mined transactions from the mempool and
// prunes any pending transaction whose nonce the chain has already moved
// past. Callers must hold s.mu.
func (s *State) cleanMempoolLocked(minedTxs []database.BlockTx) {
	for _, tx := range minedTxs {
		if tx.IsReward() {
			continue
		}

		s.evHandler("state: cleanMempoolLocked: remove from mempool: tx[%s]", tx)
		if err := s.mempool.Delete(tx); err != nil {
			s.evHandler("state: cleanMempoolLocked: WARNING: delete failed: %s", err)
		}
	}

	s.pruneMempoolLocked()
}

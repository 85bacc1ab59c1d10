package state

import (
	"github.com/ardanlabs/coin/foundation/blockchain/database"
	"github.com/ardanlabs/coin/foundation/blockchain/peer"
)

// AdoptForeignChain replaces the local chain with the specified one when it
// is strictly longer and fully valid from genesis. The mempool is pruned of
// any transaction the new chain has made stale.
func (s *State) AdoptForeignChain(blocks []database.Block) error {
	s.evHandler("state: AdoptForeignChain: started: blocks[%d]", len(blocks))
	defer s.evHandler("state: AdoptForeignChain: completed")

	// Stop any in-flight mining since its parent block is about to change.
	done := s.Worker.SignalCancelMining()
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.ReplaceChain(blocks, s.evHandler); err != nil {
		return err
	}

	// Transactions mined by the new chain or with nonces the new chain
	// moved past are no longer valid to hold.
	s.pruneMempoolLocked()

	return nil
}

// ResolveFork pulls the peer's full chain and adopts it when it is the
// longer valid chain. Called when a proposed or synced block reveals the
// peer is mining on a different branch.
func (s *State) ResolveFork(pr peer.Peer) error {
	s.evHandler("state: ResolveFork: started: %s", pr)
	defer s.evHandler("state: ResolveFork: completed: %s", pr)

	blocks, err := s.NetRequestPeerChain(pr)
	if err != nil {
		return err
	}

	return s.AdoptForeignChain(blocks)
}

// Resync pulls the chain from the known peers and replaces the local chain
// when a longer valid one is found. Mining is disabled for the duration.
func (s *State) Resync() error {
	s.evHandler("state: Resync: started")
	defer s.evHandler("state: Resync: completed")

	// Stop mining for the duration of the resync.
	s.turnMiningOff()

	// Clear the mempool. Pending work is unreliable until the chain settles.
	s.mempool.Truncate()

	s.resyncWG.Add(1)
	go func() {
		defer func() {
			s.turnMiningOn()
			s.resyncWG.Done()
		}()

		for _, peer := range s.RetrieveKnownPeers() {
			if err := s.NetRequestPeerBlocks(peer); err != nil {
				s.evHandler("state: Resync: WARNING: %s: %s", peer.Host, err)
			}
		}
	}()

	return nil
}

// ValidateLocalChain replays the entire local chain from genesis and checks
// the result matches the live state. Used on startup and on demand.
func (s *State) ValidateLocalChain() error {
	s.evHandler("state: ValidateLocalChain: started")
	defer s.evHandler("state: ValidateLocalChain: completed")

	return s.db.ValidateChain(s.evHandler)
}

// =============================================================================

// pruneMempoolLocked drops every pending transaction whose nonce the chain
// has already consumed. Callers must hold s.mu.
func (s *State) pruneMempoolLocked() {
	for _, tx := range s.mempool.Copy() {
		fromID, err := tx.FromAccount()
		if err != nil {
			continue
		}

		account, exists := s.db.Query(fromID)
		if !exists {
			continue
		}

		if tx.Nonce < account.Nonce {
			s.evHandler("state: pruneMempoolLocked: prune stale nonce: tx[%s]", tx)
			if err := s.mempool.Delete(tx); err != nil {
				s.evHandler("state: pruneMempoolLocked: WARNING: delete failed: %s", err)
			}
		}
	}
}

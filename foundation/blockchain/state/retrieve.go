package state

import (
	"github.com/ardanlabs/coin/foundation/blockchain/database"
	"github.com/ardanlabs/coin/foundation/blockchain/genesis"
	"github.com/ardanlabs/coin/foundation/blockchain/peer"
)

// RetrieveHost returns a copy of host information.
func (s *State) RetrieveHost() string {
	return s.host
}

// RetrieveGenesis returns a copy of the genesis information.
func (s *State) RetrieveGenesis() genesis.Genesis {
	return s.genesis
}

// RetrieveLatestBlock returns a copy of the current latest block.
func (s *State) RetrieveLatestBlock() database.Block {
	return s.db.LatestBlock()
}

// RetrieveMempool returns a copy of the mempool in selection order.
func (s *State) RetrieveMempool() []database.BlockTx {
	return s.mempool.PickBest(-1)
}

// RetrieveAccounts returns a copy of the database accounts sorted by
// account id.
func (s *State) RetrieveAccounts() []database.Account {
	return s.db.AllAccounts()
}

// RetrieveKnownPeers retrieves a copy of the known peer list without this
// node.
func (s *State) RetrieveKnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}

// =============================================================================

// AddKnownPeer adds a peer to the known peer list. It reports whether the
// peer was not previously known.
func (s *State) AddKnownPeer(p peer.Peer) bool {
	return s.knownPeers.Add(p)
}

// RemoveKnownPeer removes a peer from the known peer list.
func (s *State) RemoveKnownPeer(p peer.Peer) {
	s.knownPeers.Remove(p)
}

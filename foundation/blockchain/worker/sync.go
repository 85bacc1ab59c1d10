package worker

import (
	"errors"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
)

// Sync updates the peer list, mempool and blocks from the known peers.
func (w *Worker) Sync() {
	w.evHandler("worker: sync: started")
	defer w.evHandler("worker: sync: completed")

	for _, pr := range w.state.RetrieveKnownPeers() {

		// Retrieve the status of this peer.
		peerStatus, err := w.state.NetRequestPeerStatus(pr)
		if err != nil {
			w.evHandler("worker: sync: queryPeerStatus: %s: ERROR: %s", pr.Host, err)
			continue
		}

		// Add new peers to this node's list.
		w.addNewPeers(peerStatus.KnownPeers)

		// Retrieve the mempool from the peer.
		pool, err := w.state.NetRequestPeerMempool(pr)
		if err != nil {
			w.evHandler("worker: sync: retrievePeerMempool: %s: ERROR: %s", pr.Host, err)
		}
		for _, tx := range pool {
			w.evHandler("worker: sync: retrievePeerMempool: %s: add tx: %s", pr.Host, tx.SignatureString()[:16])
			if err := w.state.SubmitNodeTransaction(tx); err != nil {
				w.evHandler("worker: sync: retrievePeerMempool: %s: WARNING: %s", pr.Host, err)
			}
		}

		// If this peer has blocks we don't have, we need to add them.
		if peerStatus.LatestBlockNumber > w.state.RetrieveLatestBlock().Header.Number {
			w.evHandler("worker: sync: retrievePeerBlocks: %s: latestBlockNumber[%d]", pr.Host, peerStatus.LatestBlockNumber)

			if err := w.state.NetRequestPeerBlocks(pr); err != nil {
				w.evHandler("worker: sync: retrievePeerBlocks: %s: ERROR %s", pr.Host, err)

				// The peer is on a different branch. Pull their whole chain
				// and adopt it if it wins.
				if errors.Is(err, database.ErrChainForked) {
					if err := w.state.ResolveFork(pr); err != nil {
						w.evHandler("worker: sync: resolveFork: %s: ERROR %s", pr.Host, err)
					}
				}
			}
		}
	}
}

// Package mempool maintains the mempool for the blockchain.
package mempool

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
	"github.com/ardanlabs/coin/foundation/blockchain/mempool/selector"
)

// Mempool represents a cache of transactions not yet included in a block,
// each organized by account:nonce. A resubmission with the same account and
// nonce replaces the pending entry.
type Mempool struct {
	mu       sync.RWMutex
	pool     map[string]database.BlockTx
	selectFn selector.Func
}

// New constructs a new mempool using the default sort strategy.
func New() (*Mempool, error) {
	return NewWithStrategy(selector.StrategyFee)
}

// NewWithStrategy constructs a new mempool with the specified sort strategy.
func NewWithStrategy(strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:     make(map[string]database.BlockTx),
		selectFn: selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Upsert adds or replaces a transaction in the mempool.
func (mp *Mempool) Upsert(tx database.BlockTx) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	key, err := mapKey(tx)
	if err != nil {
		return err
	}

	mp.pool[key] = tx

	return nil
}

// Delete removes a transaction from the mempool.
func (mp *Mempool) Delete(tx database.BlockTx) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	key, err := mapKey(tx)
	if err != nil {
		return err
	}

	delete(mp.pool, key)

	return nil
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]database.BlockTx)
}

// PendingForAccount returns the number of pending transactions for the
// specified account and the total value plus fees they will spend. The
// submission path uses this to track the provisional nonce cursor.
func (mp *Mempool) PendingForAccount(accountID database.AccountID) (count uint64, spend uint64) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	prefix := fmt.Sprintf("%s:", accountID)
	for key, tx := range mp.pool {
		if strings.HasPrefix(key, prefix) {
			count++

			// Saturate instead of wrapping so the spend total can never
			// understate what the pending transactions consume.
			if tx.Value > math.MaxUint64-tx.Fee || tx.Value+tx.Fee > math.MaxUint64-spend {
				spend = math.MaxUint64
				continue
			}
			spend += tx.Value + tx.Fee
		}
	}

	return count, spend
}

// Pending returns the transaction waiting in the pool for the specified
// account and nonce if one exists.
func (mp *Mempool) Pending(accountID database.AccountID, nonce uint64) (database.BlockTx, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	tx, exists := mp.pool[fmt.Sprintf("%s:%d", accountID, nonce)]
	return tx, exists
}

// Copy returns every transaction currently in the pool.
func (mp *Mempool) Copy() []database.BlockTx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txs := make([]database.BlockTx, 0, len(mp.pool))
	for _, tx := range mp.pool {
		txs = append(txs, tx)
	}

	return txs
}

// PickBest uses the configured sort strategy to return the next set of
// transactions for the next block. Passing -1 returns them all.
func (mp *Mempool) PickBest(howMany int) []database.BlockTx {

	// Group the transactions by account.
	m := make(map[database.AccountID][]database.BlockTx)
	mp.mu.RLock()
	{
		for key, tx := range mp.pool {
			accountID := accountFromMapKey(key)
			m[accountID] = append(m[accountID], tx)
		}
	}
	mp.mu.RUnlock()

	return mp.selectFn(m, howMany)
}

// =============================================================================

// mapKey is used to generate the map key.
func mapKey(tx database.BlockTx) (string, error) {
	accountID, err := tx.FromAccount()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s:%d", accountID, tx.Nonce), nil
}

// accountFromMapKey extracts the account id from the map key.
func accountFromMapKey(key string) database.AccountID {
	return database.AccountID(strings.Split(key, ":")[0])
}

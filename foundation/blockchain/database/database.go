// Package database handles all the lower level support for maintaining the
// blockchain in storage and maintaining an in-memory database of account
// information.
package database

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ardanlabs/coin/foundation/blockchain/genesis"
)

// Storage interface represents the behavior required to be implemented by
// any package providing support for storing and reading the blockchain.
type Storage interface {
	Write(blockData BlockData) error
	GetBlock(num uint64) (BlockData, error)
	ForEach() Iterator
	Close() error
	Reset() error
}

// Iterator interface represents the behavior required to be implemented by
// any package providing support to iterate over the blocks.
type Iterator interface {
	Next() (BlockData, error)
	Done() bool
}

// =============================================================================

// Database manages data related to accounts who have transacted on the
// blockchain. It owns the authoritative account state, which is only ever
// the fold of every transaction in every accepted block.
type Database struct {
	mu sync.RWMutex

	genesis     genesis.Genesis
	latestBlock Block
	accounts    map[AccountID]Account

	storage Storage
}

// New constructs a new database, applies the account genesis information,
// and replays any blocks found in storage through full validation. A chain
// in storage that fails validation aborts startup; continuing on a corrupt
// chain would defeat the integrity guarantee.
func New(genesis genesis.Genesis, storage Storage, evHandler func(v string, args ...any)) (*Database, error) {
	db := Database{
		genesis:  genesis,
		accounts: make(map[AccountID]Account),
		storage:  storage,
	}

	if err := db.seedGenesis(); err != nil {
		return nil, err
	}

	// Read all the blocks from storage and replay them against the
	// genesis state.
	var latestBlock Block
	iter := db.storage.ForEach()
	for blockData, err := iter.Next(); !iter.Done(); blockData, err = iter.Next() {
		if err != nil {
			return nil, fmt.Errorf("corrupt chain in storage: %w", err)
		}

		block, err := ToBlock(blockData)
		if err != nil {
			return nil, fmt.Errorf("corrupt chain in storage: %w", err)
		}

		if err := block.ValidateBlock(latestBlock, genesis.MiningReward, evHandler); err != nil {
			return nil, fmt.Errorf("corrupt chain in storage: %w", err)
		}

		if err := applyBlockTransactions(db.accounts, block, genesis.MinFee); err != nil {
			return nil, fmt.Errorf("corrupt chain in storage: %w", err)
		}

		latestBlock = block
	}

	db.latestBlock = latestBlock

	return &db, nil
}

// Close closes the underlying storage.
func (db *Database) Close() {
	db.storage.Close()
}

// =============================================================================

// Query retrieves a copy of the account from the database. Reading an
// unknown account is not an error for balance queries, so the zero valued
// account is returned with ok set to false.
func (db *Database) Query(accountID AccountID) (Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	account, exists := db.accounts[accountID]
	if !exists {
		return newAccount(accountID, 0), false
	}

	return account.clone(), true
}

// CopyAccounts makes a copy of the current accounts in the database.
func (db *Database) CopyAccounts() map[AccountID]Account {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return copyAccounts(db.accounts)
}

// AllAccounts returns the accounts sorted by account id for deterministic
// presentation.
func (db *Database) AllAccounts() []Account {
	db.mu.RLock()
	defer db.mu.RUnlock()

	accounts := make([]Account, 0, len(db.accounts))
	for _, account := range db.accounts {
		accounts = append(accounts, account.clone())
	}

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountID < accounts[j].AccountID
	})

	return accounts
}

// Deposit credits the specified account outside of consensus. This is the
// privileged funding operation used for bootstrapping and testing; it is
// not reachable through ordinary transaction validation.
func (db *Database) Deposit(accountID AccountID, amount uint64) error {
	if !accountID.IsAccountID() {
		return errors.New("invalid account format")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	account, exists := db.accounts[accountID]
	if !exists {
		account = newAccount(accountID, 0)
	}
	account.Balance += amount

	db.accounts[accountID] = account

	return nil
}

// ValidateSubmission runs the submission checks for a transaction against
// the current account state, in the order the rules are reported:
// signature, nonce, funds, fee. The pending count and spend account for
// transactions from the same sender already waiting in the mempool.
func (db *Database) ValidateSubmission(tx SignedTx, pendingCount uint64, pendingSpend uint64) error {
	fromID, err := tx.FromAccount()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	account := db.accounts[fromID]

	if exp := account.Nonce + pendingCount; tx.Nonce != exp {
		return fmt.Errorf("%w: got %d, exp %d", ErrNonceMismatch, tx.Nonce, exp)
	}

	if tx.Value > math.MaxUint64-tx.Fee || tx.Value+tx.Fee > math.MaxUint64-pendingSpend {
		return fmt.Errorf("%w: value plus fee overflows", ErrMalformed)
	}

	if account.Balance < pendingSpend+tx.Value+tx.Fee {
		return fmt.Errorf("%w: bal %d, needed %d", ErrInsufficientFunds, account.Balance, pendingSpend+tx.Value+tx.Fee)
	}

	if tx.Fee < db.genesis.MinFee {
		return fmt.Errorf("%w: offered %d, min %d", ErrFeeTooLow, tx.Fee, db.genesis.MinFee)
	}

	return nil
}

// =============================================================================

// ApplyBlock validates every transaction in the block against a scratch
// copy of the accounts and only swaps the scratch copy in when the whole
// block passes. A block that fails leaves the live state untouched.
func (db *Database) ApplyBlock(block Block) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	scratch := copyAccounts(db.accounts)

	if err := applyBlockTransactions(scratch, block, db.genesis.MinFee); err != nil {
		return err
	}

	db.accounts = scratch
	db.latestBlock = block

	return nil
}

// ReplaceChain swaps the local chain and account state for the specified
// one. The foreign chain must be strictly longer than the local chain and
// must fully replay from genesis; otherwise nothing changes.
func (db *Database) ReplaceChain(blocks []Block, evHandler func(v string, args ...any)) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(blocks) == 0 || blocks[len(blocks)-1].Header.Number <= db.latestBlock.Header.Number {
		return ErrShorterOrEqualFork
	}

	// Re-derive the account state from empty, validating every block.
	accounts := make(map[AccountID]Account)
	if err := db.seedInto(accounts); err != nil {
		return err
	}

	var prevBlock Block
	for _, block := range blocks {
		if err := block.ValidateBlock(prevBlock, db.genesis.MiningReward, evHandler); err != nil {
			return err
		}
		if err := applyBlockTransactions(accounts, block, db.genesis.MinFee); err != nil {
			return err
		}
		prevBlock = block
	}

	// Capture the local chain first so storage can be put back if the swap
	// fails partway. Disk and memory must change together or not at all, or
	// a restart would replay a chain the live state never adopted.
	var local []BlockData
	iter := db.storage.ForEach()
	for blockData, err := iter.Next(); !iter.Done(); blockData, err = iter.Next() {
		if err != nil {
			return err
		}
		local = append(local, blockData)
	}

	restore := func() error {
		if err := db.storage.Reset(); err != nil {
			return err
		}
		for _, blockData := range local {
			if err := db.storage.Write(blockData); err != nil {
				return err
			}
		}
		return nil
	}

	// The foreign chain is valid and longer. Replace storage wholesale.
	if err := db.storage.Reset(); err != nil {
		return err
	}
	for _, block := range blocks {
		if err := db.storage.Write(NewBlockData(block)); err != nil {
			if rerr := restore(); rerr != nil {
				return fmt.Errorf("writing foreign chain: %w: restoring local chain: %s", err, rerr)
			}
			return err
		}
	}

	db.accounts = accounts
	db.latestBlock = blocks[len(blocks)-1]

	return nil
}

// ValidateChain replays every block in storage from genesis, re-deriving
// the account state from empty and checking every consensus rule.
func (db *Database) ValidateChain(evHandler func(v string, args ...any)) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	accounts := make(map[AccountID]Account)
	if err := db.seedInto(accounts); err != nil {
		return err
	}

	var prevBlock Block
	iter := db.storage.ForEach()
	for blockData, err := iter.Next(); !iter.Done(); blockData, err = iter.Next() {
		if err != nil {
			return err
		}

		block, err := ToBlock(blockData)
		if err != nil {
			return err
		}

		if err := block.ValidateBlock(prevBlock, db.genesis.MiningReward, evHandler); err != nil {
			return err
		}

		if err := applyBlockTransactions(accounts, block, db.genesis.MinFee); err != nil {
			return err
		}

		prevBlock = block
	}

	if prevBlock.Hash() != db.latestBlock.Hash() {
		return fmt.Errorf("%w: storage head %s does not match latest block %s", ErrBrokenLinkage, prevBlock.Hash(), db.latestBlock.Hash())
	}

	return nil
}

// =============================================================================

// LatestBlock returns the latest block.
func (db *Database) LatestBlock() Block {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.latestBlock
}

// Write adds a new block to storage.
func (db *Database) Write(block Block) error {
	return db.storage.Write(NewBlockData(block))
}

// GetBlock searches the blockchain in storage to locate and return the
// contents of the specified block by number.
func (db *Database) GetBlock(num uint64) (Block, error) {
	blockData, err := db.storage.GetBlock(num)
	if err != nil {
		return Block{}, err
	}

	return ToBlock(blockData)
}

// ForEach returns an iterator to walk through all the blocks starting with
// block number 1.
func (db *Database) ForEach() DatabaseIterator {
	return DatabaseIterator{iterator: db.storage.ForEach()}
}

// =============================================================================

// DatabaseIterator provides support to iterate over blocks in storage,
// converting them to database blocks.
type DatabaseIterator struct {
	iterator Iterator
}

// Next retrieves the next block from storage.
func (di *DatabaseIterator) Next() (Block, error) {
	blockData, err := di.iterator.Next()
	if err != nil {
		return Block{}, err
	}

	return ToBlock(blockData)
}

// Done returns the end of chain value.
func (di *DatabaseIterator) Done() bool {
	return di.iterator.Done()
}

// =============================================================================

// seedGenesis applies the genesis balances to the live accounts.
func (db *Database) seedGenesis() error {
	return db.seedInto(db.accounts)
}

// seedInto applies the genesis balances to the specified accounts map.
func (db *Database) seedInto(accounts map[AccountID]Account) error {
	for accountStr, balance := range db.genesis.Balances {
		accountID, err := ToAccountID(accountStr)
		if err != nil {
			return err
		}
		accounts[accountID] = newAccount(accountID, balance)
	}

	return nil
}

// copyAccounts makes a deep copy of the specified accounts map.
func copyAccounts(accounts map[AccountID]Account) map[AccountID]Account {
	c := make(map[AccountID]Account, len(accounts))
	for accountID, account := range accounts {
		c[accountID] = account.clone()
	}

	return c
}

// applyBlockTransactions applies every transaction in the block to the
// specified accounts map, in order, failing the whole block on the first
// transaction that doesn't validate.
func applyBlockTransactions(accounts map[AccountID]Account, block Block, minFee uint64) error {
	for i, tx := range block.Trans.Values() {
		if tx.IsReward() {

			// The reward transaction rules were checked during block
			// validation; here it just needs to be first.
			if i != 0 {
				return &InvalidBlockError{BlockHash: block.Hash(), TxID: tx.ID(), Err: ErrMalformed}
			}
			applyReward(accounts, tx)
			continue
		}

		if err := applyTransaction(accounts, tx, minFee); err != nil {
			return &InvalidBlockError{BlockHash: block.Hash(), TxID: tx.ID(), Err: err}
		}
	}

	return nil
}

// applyReward credits the beneficiary with the reward transaction value.
func applyReward(accounts map[AccountID]Account, tx BlockTx) {
	account, exists := accounts[tx.ToID]
	if !exists {
		account = newAccount(tx.ToID, 0)
	}

	account.Balance += tx.Value
	account.History = append(account.History, tx.ID())

	accounts[tx.ToID] = account
}

// applyTransaction performs the business logic for applying a transaction
// to the accounts: debit the sender by value plus fee, credit the
// recipient by value, bump the sender nonce, record the history. Either
// everything applies or nothing does.
func applyTransaction(accounts map[AccountID]Account, tx BlockTx, minFee uint64) error {
	fromID, err := tx.FromAccount()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	from, exists := accounts[fromID]
	if !exists {
		from = newAccount(fromID, 0)
	}

	if tx.Nonce != from.Nonce {
		return fmt.Errorf("%w: got %d, exp %d", ErrNonceMismatch, tx.Nonce, from.Nonce)
	}

	if tx.Value > math.MaxUint64-tx.Fee {
		return fmt.Errorf("%w: value plus fee overflows", ErrMalformed)
	}

	if from.Balance < tx.Value+tx.Fee {
		return fmt.Errorf("%w: bal %d, needed %d", ErrInsufficientFunds, from.Balance, tx.Value+tx.Fee)
	}

	if tx.Fee < minFee {
		return fmt.Errorf("%w: offered %d, min %d", ErrFeeTooLow, tx.Fee, minFee)
	}

	// Debit the sender first and store it back before touching the
	// recipient so a self transfer sees its own debit.
	from.Balance -= tx.Value + tx.Fee
	from.Nonce++
	from.History = append(from.History, tx.ID())
	accounts[fromID] = from

	to, exists := accounts[tx.ToID]
	if !exists {
		to = newAccount(tx.ToID, 0)
	}
	to.Balance += tx.Value
	if tx.ToID != fromID {
		to.History = append(to.History, tx.ID())
	}
	accounts[tx.ToID] = to

	return nil
}

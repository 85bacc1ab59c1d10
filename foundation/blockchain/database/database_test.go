package database_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
	"github.com/ardanlabs/coin/foundation/blockchain/database/memory"
	"github.com/ardanlabs/coin/foundation/blockchain/genesis"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const (
	signPavel = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	signBill  = "9f332e3700d8fc2446eaf6d15034cf96e0c2745e40353deef032a5dbf1dfed93"

	minerID = database.AccountID("0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8")
)

var nopEv = func(v string, args ...any) {}

// failingStorage fails the nth write so partial storage swaps can be
// exercised.
type failingStorage struct {
	database.Storage
	failOn int
	writes int
}

func (fs *failingStorage) Write(blockData database.BlockData) error {
	fs.writes++
	if fs.writes == fs.failOn {
		return errors.New("disk full")
	}

	return fs.Storage.Write(blockData)
}

func accountID(hexKey string) database.AccountID {
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}

	return database.PublicKeyToAccountID(pk.PublicKey)
}

func sign(hexKey string, nonce uint64, toID database.AccountID, value uint64, fee uint64) (database.BlockTx, error) {
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return database.BlockTx{}, err
	}

	tx, err := database.NewTx(1, nonce, toID, value, fee)
	if err != nil {
		return database.BlockTx{}, err
	}

	signedTx, err := tx.Sign(pk)
	if err != nil {
		return database.BlockTx{}, err
	}

	return database.NewBlockTx(signedTx), nil
}

func newDatabase(gen genesis.Genesis) (*database.Database, error) {
	storage, err := memory.New()
	if err != nil {
		return nil, err
	}

	return database.New(gen, storage, nopEv)
}

func mine(db *database.Database, gen genesis.Genesis, txs []database.BlockTx) (database.Block, error) {
	return database.POW(context.Background(), database.POWArgs{
		BeneficiaryID: minerID,
		ChainID:       gen.ChainID,
		Difficulty:    gen.Difficulty,
		MiningReward:  gen.MiningReward,
		PrevBlock:     db.LatestBlock(),
		Trans:         txs,
		EvHandler:     nopEv,
	})
}

func testGenesis() genesis.Genesis {
	return genesis.Genesis{
		ChainID:       1,
		TransPerBlock: 10,
		Difficulty:    1,
		MiningReward:  5,
		MinFee:        1,
		Balances: map[string]uint64{
			string(accountID(signPavel)): 100,
		},
	}
}

// =============================================================================

func Test_Transactions(t *testing.T) {
	t.Log("Given the need to apply a block of transactions to the database.")
	{
		t.Logf("\tTest 0:\tWhen transferring value between two accounts.")
		{
			gen := testGenesis()
			db, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the database: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to open the database.", success)

			billID := accountID(signBill)
			tx, err := sign(signPavel, 0, billID, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			block, err := mine(db, gen, []database.BlockTx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to mine a block.", success)

			if !block.Trans.Values()[0].IsReward() {
				t.Fatalf("\t%s\tTest 0:\tShould place the reward transaction first in the block.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould place the reward transaction first in the block.", success)

			if err := db.ApplyBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the block: %v", failed, err)
			}
			if err := db.Write(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to write the block to storage: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply and store the block.", success)

			pavel, _ := db.Query(accountID(signPavel))
			if pavel.Balance != 89 {
				t.Fatalf("\t%s\tTest 0:\tShould debit the sender value plus fee: exp 89, got %d.", failed, pavel.Balance)
			}
			if pavel.Nonce != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould advance the sender nonce: exp 1, got %d.", failed, pavel.Nonce)
			}
			t.Logf("\t%s\tTest 0:\tShould debit the sender and advance the nonce.", success)

			bill, _ := db.Query(billID)
			if bill.Balance != 10 {
				t.Fatalf("\t%s\tTest 0:\tShould credit the recipient the value: exp 10, got %d.", failed, bill.Balance)
			}
			t.Logf("\t%s\tTest 0:\tShould credit the recipient the value.", success)

			miner, _ := db.Query(minerID)
			if miner.Balance != 6 {
				t.Fatalf("\t%s\tTest 0:\tShould credit the miner the reward plus fees: exp 6, got %d.", failed, miner.Balance)
			}
			t.Logf("\t%s\tTest 0:\tShould credit the miner the reward plus fees.", success)

			if err := db.ValidateChain(nopEv); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to validate the chain from genesis: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to validate the chain from genesis.", success)
		}
	}
}

func Test_BlockAtomicity(t *testing.T) {
	t.Log("Given the need to reject a whole block when any transaction fails.")
	{
		t.Logf("\tTest 0:\tWhen a block carries a valid and an overdrafting transaction.")
		{
			gen := testGenesis()
			db, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the database: %v", failed, err)
			}

			billID := accountID(signBill)
			tx0, err := sign(signPavel, 0, billID, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			tx1, err := sign(signPavel, 1, billID, 200, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			block, err := mine(db, gen, []database.BlockTx{tx0, tx1})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}

			err = db.ApplyBlock(block)
			if !errors.Is(err, database.ErrInsufficientFunds) {
				t.Fatalf("\t%s\tTest 0:\tShould get ErrInsufficientFunds, got: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get ErrInsufficientFunds.", success)

			var ibe *database.InvalidBlockError
			if !errors.As(err, &ibe) {
				t.Fatalf("\t%s\tTest 0:\tShould identify the offending block and transaction.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould identify the offending block and transaction.", success)

			pavel, _ := db.Query(accountID(signPavel))
			if pavel.Balance != 100 || pavel.Nonce != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould leave the sender untouched: bal %d, nonce %d.", failed, pavel.Balance, pavel.Nonce)
			}
			if _, exists := db.Query(minerID); exists {
				t.Fatalf("\t%s\tTest 0:\tShould not credit the miner for a rejected block.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the account state untouched.", success)
		}
	}
}

func Test_OverflowRejection(t *testing.T) {
	t.Log("Given the need to reject arithmetic that wraps a uint64.")
	{
		t.Logf("\tTest 0:\tWhen value plus fee overflows against a sender funded 100.")
		{
			gen := testGenesis()
			db, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the database: %v", failed, err)
			}

			billID := accountID(signBill)
			tx, err := sign(signPavel, 0, billID, math.MaxUint64, 2)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			if err := tx.Validate(gen.ChainID); !errors.Is(err, database.ErrMalformed) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the transaction as malformed: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the transaction as malformed.", success)

			if err := db.ValidateSubmission(tx.SignedTx, 0, 0); !errors.Is(err, database.ErrMalformed) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the submission: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the submission.", success)

			// A peer could still pack the transaction into a block; applying
			// that block must fail the same way.
			block, err := mine(db, gen, []database.BlockTx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}
			if err := db.ApplyBlock(block); !errors.Is(err, database.ErrMalformed) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the block on apply: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the block on apply.", success)

			pavel, _ := db.Query(accountID(signPavel))
			if pavel.Balance != 100 || pavel.Nonce != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould leave the sender untouched: bal %d, nonce %d.", failed, pavel.Balance, pavel.Nonce)
			}
			if _, exists := db.Query(billID); exists {
				t.Fatalf("\t%s\tTest 0:\tShould not credit the recipient.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not move any funds.", success)
		}

		t.Logf("\tTest 1:\tWhen the pending spend pushes the total over the limit.")
		{
			gen := testGenesis()
			db, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to open the database: %v", failed, err)
			}

			tx, err := sign(signPavel, 0, accountID(signBill), 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
			}

			if err := db.ValidateSubmission(tx.SignedTx, 0, math.MaxUint64-5); !errors.Is(err, database.ErrMalformed) {
				t.Fatalf("\t%s\tTest 1:\tShould reject a wrapping pending spend: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould reject a wrapping pending spend.", success)
		}
	}
}

func Test_NonceMismatch(t *testing.T) {
	t.Log("Given the need to enforce strict nonce ordering.")
	{
		t.Logf("\tTest 0:\tWhen a transaction skips ahead of the account nonce.")
		{
			gen := testGenesis()
			db, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the database: %v", failed, err)
			}

			tx, err := sign(signPavel, 5, accountID(signBill), 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			block, err := mine(db, gen, []database.BlockTx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}

			if err := db.ApplyBlock(block); !errors.Is(err, database.ErrNonceMismatch) {
				t.Fatalf("\t%s\tTest 0:\tShould get ErrNonceMismatch, got: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get ErrNonceMismatch.", success)
		}
	}
}

func Test_ValidateSubmission(t *testing.T) {
	t.Log("Given the need to validate transactions on submission.")
	{
		t.Logf("\tTest 0:\tWhen checking the rules in their reporting order.")
		{
			gen := testGenesis()
			db, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the database: %v", failed, err)
			}

			billID := accountID(signBill)

			tx, err := sign(signPavel, 0, billID, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if err := db.ValidateSubmission(tx.SignedTx, 0, 0); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept a well formed transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept a well formed transaction.", success)

			// With one transaction already pending, the next nonce is 1.
			tx1, err := sign(signPavel, 1, billID, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if err := db.ValidateSubmission(tx1.SignedTx, 1, 11); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the next nonce in line: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept the next nonce in line.", success)

			if err := db.ValidateSubmission(tx1.SignedTx, 0, 0); !errors.Is(err, database.ErrNonceMismatch) {
				t.Fatalf("\t%s\tTest 0:\tShould get ErrNonceMismatch for a gap: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get ErrNonceMismatch for a gap.", success)

			big, err := sign(signPavel, 0, billID, 95, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if err := db.ValidateSubmission(big.SignedTx, 0, 11); !errors.Is(err, database.ErrInsufficientFunds) {
				t.Fatalf("\t%s\tTest 0:\tShould get ErrInsufficientFunds when pending spend is counted: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get ErrInsufficientFunds when pending spend is counted.", success)

			cheap, err := sign(signPavel, 0, billID, 10, 0)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if err := db.ValidateSubmission(cheap.SignedTx, 0, 0); !errors.Is(err, database.ErrFeeTooLow) {
				t.Fatalf("\t%s\tTest 0:\tShould get ErrFeeTooLow: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get ErrFeeTooLow.", success)
		}
	}
}

func Test_ReplaceChain(t *testing.T) {
	t.Log("Given the need to adopt a longer valid chain.")
	{
		t.Logf("\tTest 0:\tWhen a fork is strictly longer than the local chain.")
		{
			gen := testGenesis()

			// Local chain with one block.
			local, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the local database: %v", failed, err)
			}

			billID := accountID(signBill)
			tx, err := sign(signPavel, 0, billID, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			block, err := mine(local, gen, []database.BlockTx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}
			if err := local.ApplyBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the block: %v", failed, err)
			}
			if err := local.Write(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to write the block: %v", failed, err)
			}

			// Foreign chain with two blocks from the same genesis.
			foreign, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the foreign database: %v", failed, err)
			}

			var blocks []database.Block
			for nonce := uint64(0); nonce < 2; nonce++ {
				tx, err := sign(signPavel, nonce, billID, 5, 1)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
				}
				block, err := mine(foreign, gen, []database.BlockTx{tx})
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
				}
				if err := foreign.ApplyBlock(block); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to apply the block: %v", failed, err)
				}
				if err := foreign.Write(block); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to write the block: %v", failed, err)
				}
				blocks = append(blocks, block)
			}

			if err := local.ReplaceChain(blocks, nopEv); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to replace the chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to replace the chain.", success)

			if local.LatestBlock().Header.Number != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould be on block 2, got %d.", failed, local.LatestBlock().Header.Number)
			}
			pavel, _ := local.Query(accountID(signPavel))
			if pavel.Balance != 88 || pavel.Nonce != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould carry the foreign account state: bal %d, nonce %d.", failed, pavel.Balance, pavel.Nonce)
			}
			t.Logf("\t%s\tTest 0:\tShould carry the foreign account state.", success)

			if err := local.ValidateChain(nopEv); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould validate the adopted chain from genesis: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould validate the adopted chain from genesis.", success)
		}

		t.Logf("\tTest 1:\tWhen writing the foreign chain fails partway.")
		{
			gen := testGenesis()

			mem, err := memory.New()
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to open storage: %v", failed, err)
			}
			storage := &failingStorage{Storage: mem}

			local, err := database.New(gen, storage, nopEv)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to open the local database: %v", failed, err)
			}

			billID := accountID(signBill)
			tx, err := sign(signPavel, 0, billID, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
			}
			block, err := mine(local, gen, []database.BlockTx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to mine a block: %v", failed, err)
			}
			if err := local.ApplyBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to apply the block: %v", failed, err)
			}
			if err := local.Write(block); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to write the block: %v", failed, err)
			}

			foreign, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to open the foreign database: %v", failed, err)
			}
			var blocks []database.Block
			for nonce := uint64(0); nonce < 2; nonce++ {
				tx, err := sign(signPavel, nonce, billID, 5, 1)
				if err != nil {
					t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
				}
				block, err := mine(foreign, gen, []database.BlockTx{tx})
				if err != nil {
					t.Fatalf("\t%s\tTest 1:\tShould be able to mine a block: %v", failed, err)
				}
				if err := foreign.ApplyBlock(block); err != nil {
					t.Fatalf("\t%s\tTest 1:\tShould be able to apply the block: %v", failed, err)
				}
				if err := foreign.Write(block); err != nil {
					t.Fatalf("\t%s\tTest 1:\tShould be able to write the block: %v", failed, err)
				}
				blocks = append(blocks, block)
			}

			// The local block was write 1; fail on the second foreign block.
			storage.failOn = 3

			if err := local.ReplaceChain(blocks, nopEv); err == nil {
				t.Fatalf("\t%s\tTest 1:\tShould fail the replace when storage fails.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould fail the replace when storage fails.", success)

			if local.LatestBlock().Header.Number != 1 {
				t.Fatalf("\t%s\tTest 1:\tShould stay on block 1, got %d.", failed, local.LatestBlock().Header.Number)
			}
			pavel, _ := local.Query(accountID(signPavel))
			if pavel.Balance != 89 || pavel.Nonce != 1 {
				t.Fatalf("\t%s\tTest 1:\tShould keep the local account state: bal %d, nonce %d.", failed, pavel.Balance, pavel.Nonce)
			}
			t.Logf("\t%s\tTest 1:\tShould keep the local account state.", success)

			// The restored storage must still replay to the live state.
			if err := local.ValidateChain(nopEv); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould validate the restored chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould validate the restored chain.", success)
		}

		t.Logf("\tTest 2:\tWhen a fork is shorter or equal to the local chain.")
		{
			gen := testGenesis()
			local, err := newDatabase(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to open the local database: %v", failed, err)
			}

			tx, err := sign(signPavel, 0, accountID(signBill), 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to sign the transaction: %v", failed, err)
			}
			block, err := mine(local, gen, []database.BlockTx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to mine a block: %v", failed, err)
			}
			if err := local.ApplyBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to apply the block: %v", failed, err)
			}
			if err := local.Write(block); err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to write the block: %v", failed, err)
			}

			if err := local.ReplaceChain([]database.Block{block}, nopEv); !errors.Is(err, database.ErrShorterOrEqualFork) {
				t.Fatalf("\t%s\tTest 2:\tShould get ErrShorterOrEqualFork: %v", failed, err)
			}
			t.Logf("\t%s\tTest 2:\tShould get ErrShorterOrEqualFork.", success)

			if err := local.ReplaceChain(nil, nopEv); !errors.Is(err, database.ErrShorterOrEqualFork) {
				t.Fatalf("\t%s\tTest 2:\tShould get ErrShorterOrEqualFork for an empty fork: %v", failed, err)
			}
			t.Logf("\t%s\tTest 2:\tShould get ErrShorterOrEqualFork for an empty fork.", success)
		}
	}
}

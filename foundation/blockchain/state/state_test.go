package state_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
	"github.com/ardanlabs/coin/foundation/blockchain/database/memory"
	"github.com/ardanlabs/coin/foundation/blockchain/genesis"
	"github.com/ardanlabs/coin/foundation/blockchain/peer"
	"github.com/ardanlabs/coin/foundation/blockchain/state"
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

// nopWorker satisfies the state.Worker interface so the state API can be
// exercised without the mining and peer goroutines.
type nopWorker struct{}

func (nopWorker) Shutdown()                              {}
func (nopWorker) Sync()                                  {}
func (nopWorker) SignalStartMining()                     {}
func (nopWorker) SignalCancelMining() (done func())      { return func() {} }
func (nopWorker) SignalShareTx(blockTx database.BlockTx) {}

func accountID(hexKey string) database.AccountID {
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}

	return database.PublicKeyToAccountID(pk.PublicKey)
}

func sign(hexKey string, chainID uint16, nonce uint64, value uint64, fee uint64) (database.SignedTx, error) {
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return database.SignedTx{}, err
	}

	tx, err := database.NewTx(chainID, nonce, accountID(signBill), value, fee)
	if err != nil {
		return database.SignedTx{}, err
	}

	return tx.Sign(pk)
}

func newState() (*state.State, error) {
	gen := genesis.Genesis{
		ChainID:       1,
		TransPerBlock: 10,
		Difficulty:    1,
		MiningReward:  5,
		MinFee:        1,
		Balances: map[string]uint64{
			string(accountID(signPavel)): 100,
		},
	}

	storage, err := memory.New()
	if err != nil {
		return nil, err
	}

	st, err := state.New(state.Config{
		BeneficiaryID:  minerID,
		Host:           "0.0.0.0:9080",
		Genesis:        gen,
		Storage:        storage,
		SelectStrategy: "Fee",
		KnownPeers:     peer.NewPeerSet(),
	})
	if err != nil {
		return nil, err
	}

	st.Worker = nopWorker{}

	return st, nil
}

// =============================================================================

func Test_SubmitAndMine(t *testing.T) {
	t.Log("Given the need to mine submitted transactions into a block.")
	{
		t.Logf("\tTest 0:\tWhen submitting two transactions and mining.")
		{
			st, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the state: %v", failed, err)
			}
			defer st.Shutdown()

			for nonce := uint64(0); nonce < 2; nonce++ {
				signedTx, err := sign(signPavel, 1, nonce, 10, 1)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
				}
				txID, err := st.SubmitWalletTransaction(signedTx)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to submit the transaction: %v", failed, err)
				}
				if txID == "" {
					t.Fatalf("\t%s\tTest 0:\tShould get a transaction id back.", failed)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould be able to submit the transactions.", success)

			if l := st.QueryMempoolLength(); l != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould have 2 transactions pending, got %d.", failed, l)
			}

			block, err := st.MineNewBlock(context.Background())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to mine a block.", success)

			txs := block.Trans.Values()
			if len(txs) != 3 || !txs[0].IsReward() {
				t.Fatalf("\t%s\tTest 0:\tShould hold the reward first plus 2 transactions, got %d.", failed, len(txs))
			}
			t.Logf("\t%s\tTest 0:\tShould hold the reward first plus 2 transactions.", success)

			if l := st.QueryMempoolLength(); l != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould clear the mempool after mining, got %d.", failed, l)
			}
			t.Logf("\t%s\tTest 0:\tShould clear the mempool after mining.", success)

			pavel, err := st.QueryAccount(accountID(signPavel))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to query the sender: %v", failed, err)
			}
			if pavel.Balance != 78 || pavel.Nonce != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould settle the sender at bal 78 nonce 2, got %d/%d.", failed, pavel.Balance, pavel.Nonce)
			}
			miner, err := st.QueryAccount(minerID)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to query the miner: %v", failed, err)
			}
			if miner.Balance != 7 {
				t.Fatalf("\t%s\tTest 0:\tShould credit the miner reward plus fees: exp 7, got %d.", failed, miner.Balance)
			}
			t.Logf("\t%s\tTest 0:\tShould settle the account balances.", success)

			if st.RetrieveLatestBlock().Header.Number != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould be on block 1.", failed)
			}
			if err := st.ValidateLocalChain(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould validate the local chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould validate the local chain.", success)
		}

		t.Logf("\tTest 1:\tWhen mining with an empty mempool.")
		{
			st, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to construct the state: %v", failed, err)
			}
			defer st.Shutdown()

			if _, err := st.MineNewBlock(context.Background()); !errors.Is(err, state.ErrNoTransactions) {
				t.Fatalf("\t%s\tTest 1:\tShould get ErrNoTransactions, got: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould get ErrNoTransactions.", success)
		}
	}
}

func Test_SubmitRejections(t *testing.T) {
	t.Log("Given the need to reject bad wallet submissions at the door.")
	{
		t.Logf("\tTest 0:\tWhen the transaction breaks a submission rule.")
		{
			st, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the state: %v", failed, err)
			}
			defer st.Shutdown()

			wrongChain, err := sign(signPavel, 42, 0, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := st.SubmitWalletTransaction(wrongChain); !errors.Is(err, database.ErrMalformed) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a wrong chain id as malformed: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a wrong chain id as malformed.", success)

			skipped, err := sign(signPavel, 1, 3, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := st.SubmitWalletTransaction(skipped); !errors.Is(err, database.ErrNonceMismatch) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a skipped nonce: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a skipped nonce.", success)

			// A value that wraps the debit to 1 must never reach the pool.
			huge, err := sign(signPavel, 1, 0, math.MaxUint64, 2)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := st.SubmitWalletTransaction(huge); !errors.Is(err, database.ErrMalformed) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a wrapping value plus fee: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a wrapping value plus fee.", success)

			broke, err := sign(signBill, 1, 0, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := st.SubmitWalletTransaction(broke); !errors.Is(err, database.ErrInsufficientFunds) {
				t.Fatalf("\t%s\tTest 0:\tShould reject an unfunded sender: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject an unfunded sender.", success)

			if l := st.QueryMempoolLength(); l != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould leave the mempool empty, got %d.", failed, l)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the mempool empty.", success)
		}

		t.Logf("\tTest 1:\tWhen the pending transactions shape what is acceptable.")
		{
			st, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to construct the state: %v", failed, err)
			}
			defer st.Shutdown()

			// Two pending transactions spend 22, so a third for 80 overdrafts.
			for nonce := uint64(0); nonce < 2; nonce++ {
				signedTx, err := sign(signPavel, 1, nonce, 10, 1)
				if err != nil {
					t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
				}
				if _, err := st.SubmitWalletTransaction(signedTx); err != nil {
					t.Fatalf("\t%s\tTest 1:\tShould be able to submit the transaction: %v", failed, err)
				}
			}

			over, err := sign(signPavel, 1, 2, 80, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := st.SubmitWalletTransaction(over); !errors.Is(err, database.ErrInsufficientFunds) {
				t.Fatalf("\t%s\tTest 1:\tShould count pending spend against the balance: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould count pending spend against the balance.", success)

			// Replacing a pending nonce is allowed and does not grow the pool.
			replace, err := sign(signPavel, 1, 1, 20, 2)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := st.SubmitWalletTransaction(replace); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould accept a replacement for a pending nonce: %v", failed, err)
			}
			if l := st.QueryMempoolLength(); l != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould still have 2 transactions pending, got %d.", failed, l)
			}
			t.Logf("\t%s\tTest 1:\tShould accept a replacement for a pending nonce.", success)
		}
	}
}

func Test_ProcessProposedBlock(t *testing.T) {
	t.Log("Given the need to accept blocks proposed by peers.")
	{
		t.Logf("\tTest 0:\tWhen a peer proposes the next block.")
		{
			stA, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct state A: %v", failed, err)
			}
			defer stA.Shutdown()

			stB, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct state B: %v", failed, err)
			}
			defer stB.Shutdown()

			signedTx, err := sign(signPavel, 1, 0, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := stA.SubmitWalletTransaction(signedTx); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to submit the transaction: %v", failed, err)
			}

			block, err := stA.MineNewBlock(context.Background())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine on state A: %v", failed, err)
			}

			if err := stB.ProcessProposedBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the proposed block on state B: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept the proposed block on state B.", success)

			pavel, err := stB.QueryAccount(accountID(signPavel))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to query the sender on state B: %v", failed, err)
			}
			if pavel.Balance != 89 || pavel.Nonce != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould carry the applied state: bal %d, nonce %d.", failed, pavel.Balance, pavel.Nonce)
			}
			t.Logf("\t%s\tTest 0:\tShould carry the applied state.", success)

			if err := stB.ProcessProposedBlock(block); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould reject the same block a second time.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the same block a second time.", success)
		}
	}
}

func Test_AdoptForeignChain(t *testing.T) {
	t.Log("Given the need to resolve a fork with the longest chain rule.")
	{
		t.Logf("\tTest 0:\tWhen a foreign chain is strictly longer.")
		{
			stA, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct state A: %v", failed, err)
			}
			defer stA.Shutdown()

			stB, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct state B: %v", failed, err)
			}
			defer stB.Shutdown()

			// State A mines one block, state B mines two on its own branch.
			signedTx, err := sign(signPavel, 1, 0, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := stA.SubmitWalletTransaction(signedTx); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to submit on state A: %v", failed, err)
			}
			if _, err := stA.MineNewBlock(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine on state A: %v", failed, err)
			}

			var foreign []database.Block
			for nonce := uint64(0); nonce < 2; nonce++ {
				signedTx, err := sign(signPavel, 1, nonce, 5, 1)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
				}
				if _, err := stB.SubmitWalletTransaction(signedTx); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to submit on state B: %v", failed, err)
				}
				block, err := stB.MineNewBlock(context.Background())
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to mine on state B: %v", failed, err)
				}
				foreign = append(foreign, block)
			}

			if err := stA.AdoptForeignChain(foreign); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to adopt the foreign chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to adopt the foreign chain.", success)

			if stA.RetrieveLatestBlock().Header.Number != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould be on block 2, got %d.", failed, stA.RetrieveLatestBlock().Header.Number)
			}
			pavel, err := stA.QueryAccount(accountID(signPavel))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to query the sender: %v", failed, err)
			}
			if pavel.Balance != 88 || pavel.Nonce != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould carry the foreign account state: bal %d, nonce %d.", failed, pavel.Balance, pavel.Nonce)
			}
			t.Logf("\t%s\tTest 0:\tShould carry the foreign account state.", success)

			if err := stA.ValidateLocalChain(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould validate the adopted chain from genesis: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould validate the adopted chain from genesis.", success)
		}

		t.Logf("\tTest 1:\tWhen the foreign chain is not longer.")
		{
			stA, err := newState()
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to construct state A: %v", failed, err)
			}
			defer stA.Shutdown()

			signedTx, err := sign(signPavel, 1, 0, 10, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to sign the transaction: %v", failed, err)
			}
			if _, err := stA.SubmitWalletTransaction(signedTx); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to submit the transaction: %v", failed, err)
			}
			block, err := stA.MineNewBlock(context.Background())
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to mine a block: %v", failed, err)
			}

			if err := stA.AdoptForeignChain([]database.Block{block}); !errors.Is(err, database.ErrShorterOrEqualFork) {
				t.Fatalf("\t%s\tTest 1:\tShould get ErrShorterOrEqualFork: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould get ErrShorterOrEqualFork.", success)
		}
	}
}

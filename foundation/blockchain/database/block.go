package database

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ardanlabs/coin/foundation/blockchain/merkle"
	"github.com/ardanlabs/coin/foundation/blockchain/signature"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Number        uint64    `json:"number"`          // Block number in the chain.
	PrevBlockHash string    `json:"prev_block_hash"` // Hash of the previous block in the chain.
	TimeStamp     uint64    `json:"timestamp"`       // Time the block was mined.
	BeneficiaryID AccountID `json:"beneficiary"`     // The account receiving the reward and fees.
	Difficulty    uint16    `json:"difficulty"`      // Number of leading 0's needed to solve the hash solution.
	Nonce         uint64    `json:"nonce"`           // Value identified to solve the hash solution.
	TransRoot     string    `json:"trans_root"`      // Merkle tree root hash for the transactions in this block.
}

// Block represents a group of transactions bundled together. The first
// transaction is always the synthetic reward transaction for the miner.
type Block struct {
	Header BlockHeader
	Trans  *merkle.Tree[BlockTx]
}

// POWArgs represents the set of arguments required to run POW.
type POWArgs struct {
	BeneficiaryID AccountID
	ChainID       uint16
	Difficulty    uint16
	MiningReward  uint64
	PrevBlock     Block
	Trans         []BlockTx
	EvHandler     func(v string, args ...any)
}

// POW constructs a new block and performs the work to find a nonce that
// solves the cryptographic POW puzzle. The candidate never touches shared
// state; cancelling the context discards it without a trace.
func POW(ctx context.Context, args POWArgs) (Block, error) {

	// When mining the first block, the previous block's hash will be zero.
	prevBlockHash := signature.ZeroHash
	if args.PrevBlock.Header.Number > 0 {
		prevBlockHash = args.PrevBlock.Hash()
	}

	// The reward transaction credits the miner with the block reward plus
	// every fee collected from the selected transactions. It must be the
	// first transaction in the block.
	var fees uint64
	for _, tx := range args.Trans {
		if tx.Fee > math.MaxUint64-fees {
			return Block{}, fmt.Errorf("%w: collected fees overflow", ErrMalformed)
		}
		fees += tx.Fee
	}
	if fees > math.MaxUint64-args.MiningReward {
		return Block{}, fmt.Errorf("%w: reward plus fees overflows", ErrMalformed)
	}
	rewardTx := NewRewardTx(args.ChainID, args.BeneficiaryID, args.MiningReward+fees)
	trans := append([]BlockTx{rewardTx}, args.Trans...)

	// Construct a merkle tree from the transactions for this block. The
	// root of this tree will be part of the block to be mined.
	tree, err := merkle.NewTree(trans)
	if err != nil {
		return Block{}, err
	}

	// Construct the block to be mined.
	nb := Block{
		Header: BlockHeader{
			Number:        args.PrevBlock.Header.Number + 1,
			PrevBlockHash: prevBlockHash,
			TimeStamp:     uint64(time.Now().UTC().Unix()),
			BeneficiaryID: args.BeneficiaryID,
			Difficulty:    args.Difficulty,
			Nonce:         0, // Will be identified by the POW algorithm.
			TransRoot:     tree.RootHex(),
		},
		Trans: tree,
	}

	// Perform the proof of work mining operation.
	if err := nb.performPOW(ctx, args.EvHandler); err != nil {
		return Block{}, err
	}

	return nb, nil
}

// performPOW does the work of mining to find a valid hash for a specified
// block. Pointer semantics are being used since a nonce is being discovered.
func (b *Block) performPOW(ctx context.Context, ev func(v string, args ...any)) error {
	ev("database: PerformPOW: MINING: started")
	defer ev("database: PerformPOW: MINING: completed")

	for _, tx := range b.Trans.Values() {
		ev("database: PerformPOW: MINING: tx[%s]", tx)
	}

	// Choose a random starting point for the nonce. After this, the nonce
	// is incremented by 1 until a solution is found by us or another node.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return err
	}
	b.Header.Nonce = nBig.Uint64()

	// Loop until we find a solution or this mining attempt is cancelled by
	// a competing block being accepted first.
	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: PerformPOW: MINING: attempts[%d]", attempts)
		}

		if ctx.Err() != nil {
			ev("database: PerformPOW: MINING: CANCELLED")
			return ctx.Err()
		}

		hash := b.Hash()
		if !isHashSolved(b.Header.Difficulty, hash) {
			b.Header.Nonce++
			continue
		}

		ev("database: PerformPOW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]", b.Header.PrevBlockHash, hash)
		ev("database: PerformPOW: MINING: attempts[%d]", attempts)

		return nil
	}
}

// Hash returns the unique hash for the block. Hashing only the header is
// enough since the header commits to the transactions via the merkle root.
func (b Block) Hash() string {
	if b.Header.Number == 0 {
		return signature.ZeroHash
	}

	return signature.Hash(b.Header)
}

// ValidateBlock takes a block and validates it to be included into the
// blockchain: proof of work, linkage to the previous block, timestamp
// monotonicity, merkle root, and the reward transaction rules.
func (b Block) ValidateBlock(previousBlock Block, miningReward uint64, evHandler func(v string, args ...any)) error {
	evHandler("database: ValidateBlock: blk[%d]: check: chain is not forked", b.Header.Number)

	// The node who sent this block has a chain that is two or more blocks
	// ahead of ours. This means there has been a fork and we are on the
	// wrong side.
	nextNumber := previousBlock.Header.Number + 1
	if b.Header.Number >= (nextNumber + 2) {
		return ErrChainForked
	}

	evHandler("database: ValidateBlock: blk[%d]: check: block difficulty is the same or greater than parent", b.Header.Number)

	if b.Header.Difficulty < previousBlock.Header.Difficulty {
		return fmt.Errorf("%w: difficulty dropped from %d to %d", ErrInvalidProofOfWork, previousBlock.Header.Difficulty, b.Header.Difficulty)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: block hash has been solved", b.Header.Number)

	hash := b.Hash()
	if !isHashSolved(b.Header.Difficulty, hash) {
		return fmt.Errorf("%w: hash %s does not meet difficulty %d", ErrInvalidProofOfWork, hash, b.Header.Difficulty)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: block number is the next number", b.Header.Number)

	if b.Header.Number != nextNumber {
		return fmt.Errorf("%w: this block is not the next number, got %d, exp %d", ErrBrokenLinkage, b.Header.Number, nextNumber)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: parent hash matches parent block", b.Header.Number)

	if b.Header.PrevBlockHash != previousBlock.Hash() {
		return fmt.Errorf("%w: parent block hash doesn't match our known parent, got %s, exp %s", ErrBrokenLinkage, b.Header.PrevBlockHash, previousBlock.Hash())
	}

	if previousBlock.Header.TimeStamp > 0 {
		evHandler("database: ValidateBlock: blk[%d]: check: timestamp is not before the parent block", b.Header.Number)

		if b.Header.TimeStamp < previousBlock.Header.TimeStamp {
			parentTime := time.Unix(int64(previousBlock.Header.TimeStamp), 0)
			blockTime := time.Unix(int64(b.Header.TimeStamp), 0)
			return fmt.Errorf("block timestamp is before parent block, parent %s, block %s", parentTime, blockTime)
		}
	}

	evHandler("database: ValidateBlock: blk[%d]: check: merkle root matches the transactions", b.Header.Number)

	if b.Header.TransRoot != b.Trans.RootHex() {
		return fmt.Errorf("merkle root does not match transactions, got %s, exp %s", b.Trans.RootHex(), b.Header.TransRoot)
	}

	evHandler("database: ValidateBlock: blk[%d]: check: reward transaction rules", b.Header.Number)

	if err := b.validateRewardTx(miningReward); err != nil {
		return err
	}

	return nil
}

// validateRewardTx checks the block carries exactly one reward transaction,
// that it comes first, and that it doesn't credit the miner with more than
// the block reward plus the collected fees.
func (b Block) validateRewardTx(miningReward uint64) error {
	trans := b.Trans.Values()
	if len(trans) == 0 {
		return fmt.Errorf("block carries no transactions")
	}

	if !trans[0].IsReward() {
		return fmt.Errorf("first transaction in the block is not the reward transaction")
	}

	var fees uint64
	for _, tx := range trans[1:] {
		if tx.IsReward() {
			return fmt.Errorf("block carries more than one reward transaction")
		}
		if tx.Fee > math.MaxUint64-fees {
			return fmt.Errorf("collected fees overflow")
		}
		fees += tx.Fee
	}

	reward := trans[0]
	if reward.Fee != 0 || reward.Nonce != 0 {
		return fmt.Errorf("reward transaction carries a fee or nonce")
	}
	if fees > math.MaxUint64-miningReward {
		return fmt.Errorf("reward %d plus fees %d overflows", miningReward, fees)
	}
	if reward.Value > miningReward+fees {
		return fmt.Errorf("reward transaction value %d exceeds reward %d plus fees %d", reward.Value, miningReward, fees)
	}

	return nil
}

// isHashSolved checks the hash to make sure it complies with the POW rules.
// We need to match a difficulty number of leading 0's.
func isHashSolved(difficulty uint16, hash string) bool {
	const match = "0x00000000000000000000000000000000"

	if len(hash) != 66 || int(difficulty)+2 > len(match) {
		return false
	}

	return hash[:2+difficulty] == match[:2+difficulty]
}

// =============================================================================

// BlockData represents what can be serialized to disk and over the network.
type BlockData struct {
	Hash   string      `json:"hash"`
	Header BlockHeader `json:"block"`
	Trans  []BlockTx   `json:"trans"`
}

// NewBlockData constructs block data from a block.
func NewBlockData(block Block) BlockData {
	blockData := BlockData{
		Hash:   block.Hash(),
		Header: block.Header,
		Trans:  block.Trans.Values(),
	}

	return blockData
}

// ToBlock converts a storage block into a database block.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	block := Block{
		Header: blockData.Header,
		Trans:  tree,
	}

	return block, nil
}

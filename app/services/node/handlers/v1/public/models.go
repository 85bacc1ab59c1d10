package public

import (
	"github.com/ardanlabs/coin/foundation/blockchain/database"
)

// tx represents the transaction view for the client.
type tx struct {
	FromAccount database.AccountID `json:"from"`
	FromName    string             `json:"from_name"`
	ToAccount   database.AccountID `json:"to"`
	ToName      string             `json:"to_name"`
	ChainID     uint16             `json:"chain_id"`
	Nonce       uint64             `json:"nonce"`
	Value       uint64             `json:"value"`
	Fee         uint64             `json:"fee"`
	TimeStamp   uint64             `json:"timestamp"`
	ReceivedTS  uint64             `json:"received_stamp"`
	Sig         string             `json:"sig"`
}

// account represents the account view for the client.
type account struct {
	Account database.AccountID `json:"account"`
	Name    string             `json:"name"`
	Balance uint64             `json:"balance"`
	Nonce   uint64             `json:"nonce"`
	History []string           `json:"history,omitempty"`
}

// accountsInfo is the response for the accounts endpoints.
type accountsInfo struct {
	LatestBlock string    `json:"latest_block"`
	Uncommitted int       `json:"uncommitted"`
	Accounts    []account `json:"accounts"`
}

// block represents the block view for the client.
type block struct {
	Number        uint64             `json:"number"`
	PrevBlockHash string             `json:"prev_block_hash"`
	TimeStamp     uint64             `json:"timestamp"`
	BeneficiaryID database.AccountID `json:"beneficiary"`
	Difficulty    uint16             `json:"difficulty"`
	Nonce         uint64             `json:"nonce"`
	TransRoot     string             `json:"trans_root"`
	Transactions  []tx               `json:"txs"`
}

package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
)

type account struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type accountsInfo struct {
	LatestBlock string    `json:"latest_block"`
	Uncommitted int       `json:"uncommitted"`
	Accounts    []account `json:"accounts"`
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the balance for the specified wallet",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
}

func balanceRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	accountID := database.PublicKeyToAccountID(privateKey.PublicKey)
	fmt.Println("For Account:", accountID)

	resp, err := http.Get(fmt.Sprintf("%s/v1/accounts/list/%s", url, accountID))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var ai accountsInfo
	if err := json.NewDecoder(resp.Body).Decode(&ai); err != nil {
		log.Fatal(err)
	}

	if len(ai.Accounts) > 0 {
		fmt.Println("Balance:", ai.Accounts[0].Balance)
		fmt.Println("Nonce:  ", ai.Accounts[0].Nonce)
	}
}

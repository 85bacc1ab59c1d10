package selector

import (
	"sort"

	"github.com/ardanlabs/coin/foundation/blockchain/database"
)

// feeSelect returns transactions with the best fee while respecting the
// nonce order for each account. Transactions with equal fees are taken in
// the order this node first received them.
var feeSelect = func(m map[database.AccountID][]database.BlockTx, howMany int) []database.BlockTx {

	// Sort the transactions per account by nonce. Only the transaction
	// with the lowest pending nonce for an account is eligible at any
	// point; higher nonces can't apply before it.
	for key := range m {
		if len(m[key]) > 1 {
			sort.Sort(byNonce(m[key]))
		}
	}

	// Build rows of selections. Row 0 holds every account's next eligible
	// transaction, row 1 the one after that, and so on. Taking whole rows
	// in order keeps the per-account nonce sequence intact.
	var rows [][]database.BlockTx
	for {
		var row []database.BlockTx
		for key := range m {
			if len(m[key]) > 0 {
				row = append(row, m[key][0])
				m[key] = m[key][1:]
			}
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}

	var total int
	for _, row := range rows {
		total += len(row)
	}
	if howMany == -1 || howMany > total {
		howMany = total
	}

	// Order every row by fee and pull transactions row by row until the
	// requested amount is fulfilled or there are no more transactions.
	final := make([]database.BlockTx, 0, howMany)
	for _, row := range rows {
		need := howMany - len(final)
		if need == 0 {
			break
		}

		sort.Sort(byFee(row))
		if len(row) > need {
			final = append(final, row[:need]...)
			break
		}
		final = append(final, row...)
	}

	return final
}

// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ardanlabs/coin/business/web/errs"
	"github.com/ardanlabs/coin/foundation/blockchain/database"
	"github.com/ardanlabs/coin/foundation/blockchain/state"
	"github.com/ardanlabs/coin/foundation/events"
	"github.com/ardanlabs/coin/foundation/nameservice"
	"github.com/ardanlabs/coin/foundation/web"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// SubmitWalletTransaction adds a new signed user transaction to the mempool.
func (h Handlers) SubmitWalletTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var signedTx database.SignedTx
	if err := web.Decode(r, &signedTx); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	h.Log.Infow("add user tran", "traceid", v.TraceID, "sig:nonce", signedTx, "to", signedTx.ToID, "value", signedTx.Value, "fee", signedTx.Fee)

	txID, err := h.State.SubmitWalletTransaction(signedTx)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	resp := struct {
		Status string `json:"status"`
		TxID   string `json:"tx_id"`
	}{
		Status: "transaction added to mempool",
		TxID:   txID,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.RetrieveGenesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions in selection order.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	acct := web.Param(r, "account")

	mempool := h.State.RetrieveMempool()

	trans := []tx{}
	for _, tran := range mempool {
		fromID, _ := tran.FromAccount()

		if acct != "" && (acct != string(fromID)) && (acct != string(tran.ToID)) {
			continue
		}

		trans = append(trans, tx{
			FromAccount: fromID,
			FromName:    h.NS.Lookup(fromID),
			ToAccount:   tran.ToID,
			ToName:      h.NS.Lookup(tran.ToID),
			ChainID:     tran.ChainID,
			Nonce:       tran.Nonce,
			Value:       tran.Value,
			Fee:         tran.Fee,
			TimeStamp:   tran.TimeStamp,
			ReceivedTS:  tran.ReceivedStamp,
			Sig:         tran.SignatureString(),
		})
	}

	return web.Respond(ctx, w, trans, http.StatusOK)
}

// Accounts returns the current balance and nonce for the specified account,
// or for all accounts when none is specified.
func (h Handlers) Accounts(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	acct := web.Param(r, "account")

	var accounts []database.Account
	switch acct {
	case "":
		accounts = h.State.RetrieveAccounts()

	default:
		accountID, err := database.ToAccountID(acct)
		if err != nil {
			return errs.NewTrusted(err, http.StatusBadRequest)
		}

		act, err := h.State.QueryAccount(accountID)
		if err != nil {
			return errs.NewTrusted(err, http.StatusNotFound)
		}
		accounts = append(accounts, act)
	}

	acts := make([]account, 0, len(accounts))
	for _, act := range accounts {
		acts = append(acts, account{
			Account: act.AccountID,
			Name:    h.NS.Lookup(act.AccountID),
			Balance: act.Balance,
			Nonce:   act.Nonce,
			History: act.History,
		})
	}

	ai := accountsInfo{
		LatestBlock: h.State.RetrieveLatestBlock().Hash(),
		Uncommitted: h.State.QueryMempoolLength(),
		Accounts:    acts,
	}

	return web.Respond(ctx, w, ai, http.StatusOK)
}

// BlocksByAccount returns the blocks that carry transactions for the
// specified account.
func (h Handlers) BlocksByAccount(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountID, err := database.ToAccountID(web.Param(r, "account"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	dbBlocks, err := h.State.QueryBlocksByAccount(accountID)
	if err != nil {
		return err
	}
	if len(dbBlocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	blocks := make([]block, len(dbBlocks))
	for j, blk := range dbBlocks {
		values := blk.Trans.Values()

		trans := make([]tx, len(values))
		for i, tran := range values {
			fromID, _ := tran.FromAccount()
			trans[i] = tx{
				FromAccount: fromID,
				FromName:    h.NS.Lookup(fromID),
				ToAccount:   tran.ToID,
				ToName:      h.NS.Lookup(tran.ToID),
				ChainID:     tran.ChainID,
				Nonce:       tran.Nonce,
				Value:       tran.Value,
				Fee:         tran.Fee,
				TimeStamp:   tran.TimeStamp,
				ReceivedTS:  tran.ReceivedStamp,
				Sig:         tran.SignatureString(),
			}
		}

		blocks[j] = block{
			Number:        blk.Header.Number,
			PrevBlockHash: blk.Header.PrevBlockHash,
			TimeStamp:     blk.Header.TimeStamp,
			BeneficiaryID: blk.Header.BeneficiaryID,
			Difficulty:    blk.Header.Difficulty,
			Nonce:         blk.Header.Nonce,
			TransRoot:     blk.Header.TransRoot,
			Transactions:  trans,
		}
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

package controller

import (
	"net/http"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/gorilla/mux"
)

type initializeRequest struct {
	VaultPubkey  string `json:"vault_pubkey"`
	OwnerPubkey  string `json:"owner_pubkey"`
	TokenAccount string `json:"token_account"`
}

type movementRequest struct {
	VaultPubkey string `json:"vault_pubkey"`
	Amount      uint64 `json:"amount"`
	Signature   string `json:"tx_signature"`
}

type transferRequest struct {
	FromVault string `json:"from_vault"`
	ToVault   string `json:"to_vault"`
	Amount    uint64 `json:"amount"`
	Signature string `json:"tx_signature"`
}

type transferResponse struct {
	From *mirror.Vault `json:"from"`
	To   *mirror.Vault `json:"to"`
}

func (c *Controller) HandleInitializeVault(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := c.App.Vaults.InitializeVault(r.Context(), req.VaultPubkey, req.OwnerPubkey, req.TokenAccount)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, v)
}

func (c *Controller) HandleGetVault(w http.ResponseWriter, r *http.Request) {
	v, err := c.App.Vaults.GetVault(r.Context(), mux.Vars(r)["vault"])
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, v)
}

func (c *Controller) HandleGetVaultByOwner(w http.ResponseWriter, r *http.Request) {
	v, err := c.App.Vaults.GetVaultByOwner(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, v)
}

func (c *Controller) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	c.handleMovement(w, r, mirror.TxDeposit)
}

func (c *Controller) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	c.handleMovement(w, r, mirror.TxWithdraw)
}

func (c *Controller) HandleLock(w http.ResponseWriter, r *http.Request) {
	c.handleMovement(w, r, mirror.TxLock)
}

func (c *Controller) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	c.handleMovement(w, r, mirror.TxUnlock)
}

func (c *Controller) handleMovement(w http.ResponseWriter, r *http.Request, kind mirror.TxType) {
	var req movementRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := c.App.Vaults.Process(r.Context(), kind, req.VaultPubkey, req.Amount, req.Signature)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, v)
}

func (c *Controller) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := c.App.Vaults.ProcessTransfer(r.Context(), req.FromVault, req.ToVault, req.Amount, req.Signature)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, transferResponse{From: from, To: to})
}

// HandleSyncVault overwrites the mirror of one vault with the ledger's account.
func (c *Controller) HandleSyncVault(w http.ResponseWriter, r *http.Request) {
	v, err := c.App.Vaults.SyncVaultFromChain(r.Context(), mux.Vars(r)["vault"])
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, v)
}

func (c *Controller) HandleTVL(w http.ResponseWriter, r *http.Request) {
	stats, err := c.App.Vaults.GetTVL(r.Context())
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, stats)
}

func (c *Controller) HandleListVaults(w http.ResponseWriter, r *http.Request) {
	rows, err := c.App.Store.ListVaults(r.Context(), queryLimit(r), queryOffset(r))
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, orEmpty(rows))
}

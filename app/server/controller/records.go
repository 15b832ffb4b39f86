package controller

import (
	"net/http"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"github.com/gorilla/mux"
)

type statusRequest struct {
	Status    mirror.TxStatus `json:"status"`
	BlockTime *int64          `json:"block_time,omitempty"`
	Slot      *uint64         `json:"slot,omitempty"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// HandleListTransactions returns records touching a vault, newest first.
// Query parameters:
//   - limit, offset
//   - type: one of deposit, withdraw, lock, unlock, transfer
func (c *Controller) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	vaultKey := mux.Vars(r)["vault"]
	if err := utils.ValidatePubkey(vaultKey); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := mirror.TxFilter{
		VaultKey: vaultKey,
		Limit:    queryLimit(r),
		Offset:   queryOffset(r),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		f.Type = mirror.TxType(t)
		if !f.Type.Valid() {
			writeError(w, http.StatusBadRequest, "unknown transaction type: "+t)
			return
		}
	}

	rows, err := c.App.Store.ListTransactions(r.Context(), f)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, orEmpty(rows))
}

func (c *Controller) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := c.App.Store.GetTransaction(r.Context(), mux.Vars(r)["signature"])
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, rec)
}

func (c *Controller) HandleUpdateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case mirror.TxPending, mirror.TxConfirmed, mirror.TxFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status: "+string(req.Status))
		return
	}

	sig := mux.Vars(r)["signature"]
	if err := c.App.Vaults.UpdateTransactionStatus(r.Context(), sig, req.Status, req.BlockTime, req.Slot); err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	rec, err := c.App.Store.GetTransaction(r.Context(), sig)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, rec)
}

func (c *Controller) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	rows, err := c.App.Store.ListAudit(r.Context(), mux.Vars(r)["vault"], queryLimit(r))
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, orEmpty(rows))
}

// HandleListAlerts lists alerts, optionally filtered by ?status.
func (c *Controller) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := mirror.AlertStatus(r.URL.Query().Get("status"))
	switch status {
	case "", mirror.AlertActive, mirror.AlertAcknowledged, mirror.AlertResolved:
	default:
		writeError(w, http.StatusBadRequest, "unknown alert status: "+string(status))
		return
	}
	rows, err := c.App.Store.ListAlerts(r.Context(), status, queryLimit(r))
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, orEmpty(rows))
}

func (c *Controller) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := c.App.Store.AcknowledgeAlert(r.Context(), id)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	c.auditOperator(r, "alert_acknowledged", a.VaultKey, map[string]any{"alert_id": id})
	writeData(w, a)
}

func (c *Controller) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := c.App.Store.ResolveAlert(r.Context(), id)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	c.auditOperator(r, "alert_resolved", a.VaultKey, map[string]any{"alert_id": id})
	writeData(w, a)
}

func (c *Controller) HandleListReconciliations(w http.ResponseWriter, r *http.Request) {
	rows, err := c.App.Store.ListUnresolvedReconciliations(r.Context(), queryLimit(r))
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, orEmpty(rows))
}

func (c *Controller) HandleInvestigateReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := c.App.Store.MarkInvestigating(r.Context(), id)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	c.auditOperator(r, "reconciliation_investigating", &l.VaultKey, map[string]any{"reconciliation_id": id})
	writeData(w, l)
}

func (c *Controller) HandleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req notesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := c.App.Store.ResolveReconciliation(r.Context(), id, req.Notes)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	c.auditOperator(r, "reconciliation_resolved", &l.VaultKey, map[string]any{
		"reconciliation_id": id,
		"notes":             req.Notes,
	})
	writeData(w, l)
}

func (c *Controller) HandleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	s, err := c.App.Store.LatestSnapshot(r.Context(), mux.Vars(r)["vault"])
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	writeData(w, s)
}

package controller

import (
	"encoding/json"
	"net/http"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"go.uber.org/zap"
)

// auditOperator records an operator action. Failures are logged, not returned.
func (c *Controller) auditOperator(r *http.Request, event string, vaultKey *string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.App.Logger.Warn("Failed to encode audit data", zap.String("event", event), zap.Error(err))
		raw = nil
	}
	ip := clientIP(r)
	ua := r.UserAgent()
	entry := &mirror.AuditEntry{
		EventType: event,
		VaultKey:  vaultKey,
		EventData: raw,
		IPAddress: &ip,
		UserAgent: &ua,
	}
	if err := c.App.Store.CreateAuditEntry(r.Context(), entry); err != nil {
		c.App.Logger.Warn("Failed to write audit entry", zap.String("event", event), zap.Error(err))
	}
}

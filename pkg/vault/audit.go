package vault

import (
	"context"
	"encoding/json"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"go.uber.org/zap"
)

type requestInfoKey struct{}

// RequestInfo identifies the caller of an operation for the audit trail.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

// WithRequestInfo attaches caller details that audit entries written under ctx will carry.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func requestInfo(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

type auditRecord struct {
	event     string
	vault     string
	user      string
	amount    *uint64
	signature string
	data      any
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// audit appends to the audit trail. Failures are logged, the operation has already committed.
func (m *Manager) audit(ctx context.Context, r auditRecord) {
	e := &mirror.AuditEntry{
		EventType: r.event,
		VaultKey:  optional(r.vault),
		UserKey:   optional(r.user),
		Amount:    r.amount,
		Signature: optional(r.signature),
	}
	if r.data != nil {
		raw, err := json.Marshal(r.data)
		if err == nil {
			e.EventData = raw
		}
	}
	if info, ok := requestInfo(ctx); ok {
		e.IPAddress = optional(info.IPAddress)
		e.UserAgent = optional(info.UserAgent)
	}

	if err := m.store.CreateAuditEntry(ctx, e); err != nil {
		m.logger.Warn("Failed to write audit entry",
			zap.String("event", r.event),
			zap.String("vault", r.vault),
			zap.Error(err))
	}
}

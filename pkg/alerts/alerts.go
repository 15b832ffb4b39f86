package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"go.uber.org/zap"
)

// Store is the persistence the raiser needs.
type Store interface {
	// CreateAlert reports false when an unresolved alert of the same type
	// already exists for the alert's vault.
	CreateAlert(ctx context.Context, a *mirror.Alert) (bool, error)
	CreateAuditEntry(ctx context.Context, e *mirror.AuditEntry) error
}

// Alert describes an alert to raise.
type Alert struct {
	Type     mirror.AlertType
	Severity mirror.Severity
	VaultKey string // empty for system-wide alerts
	Message  string
	Details  any
}

// Raiser persists, logs and fans out alerts. Vault-scoped alerts are raised
// at most once while an unresolved alert of the same type exists for the vault.
type Raiser struct {
	store  Store
	notify notify.Broadcaster
	logger *zap.Logger
}

func NewRaiser(store Store, broadcaster notify.Broadcaster, logger *zap.Logger) *Raiser {
	return &Raiser{
		store:  store,
		notify: broadcaster,
		logger: logger.With(zap.String("component", "alerts")),
	}
}

// Raise records the alert. It returns the stored alert, or nil when an open
// alert of the same type already covers the vault.
func (r *Raiser) Raise(ctx context.Context, in Alert) (*mirror.Alert, error) {
	a := &mirror.Alert{
		Type:     in.Type,
		Severity: in.Severity,
		Message:  in.Message,
		Status:   mirror.AlertActive,
	}
	if in.VaultKey != "" {
		vault := in.VaultKey
		a.VaultKey = &vault
	}
	if in.Details != nil {
		details, err := json.Marshal(in.Details)
		if err != nil {
			return nil, fmt.Errorf("encode alert details: %w", err)
		}
		a.Details = details
	}

	created, err := r.store.CreateAlert(ctx, a)
	if err != nil {
		return nil, err
	}
	if !created {
		r.logger.Debug("Alert suppressed, one is still open",
			zap.String("type", string(in.Type)),
			zap.String("vault", in.VaultKey))
		return nil, nil
	}

	fields := []zap.Field{
		zap.Int64("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("vault", in.VaultKey),
		zap.String("message", a.Message),
	}
	switch a.Severity {
	case mirror.SeverityCritical:
		r.logger.Error("Alert raised", fields...)
	case mirror.SeverityWarning:
		r.logger.Warn("Alert raised", fields...)
	default:
		r.logger.Info("Alert raised", fields...)
	}
	metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()

	if err := r.store.CreateAuditEntry(ctx, &mirror.AuditEntry{
		EventType: "alert_raised",
		VaultKey:  a.VaultKey,
		EventData: a.Details,
	}); err != nil {
		r.logger.Warn("Failed to audit alert", zap.Int64("alert_id", a.ID), zap.Error(err))
	}

	ev := notify.AlertRaised(*a)
	if in.VaultKey != "" {
		r.notify.Broadcast(in.VaultKey, ev)
	} else {
		r.notify.BroadcastAll(ev)
	}
	return a, nil
}

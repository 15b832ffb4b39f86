package mirror

import (
	"encoding/json"
	"time"
)

const (
	TransactionsTableName       = "transactions"
	BalanceSnapshotsTableName   = "balance_snapshots"
	ReconciliationLogsTableName = "reconciliation_logs"
	AlertsTableName             = "alerts"
	AuditTrailTableName         = "audit_trail"
)

type TxType string

const (
	TxDeposit  TxType = "deposit"
	TxWithdraw TxType = "withdraw"
	TxLock     TxType = "lock"
	TxUnlock   TxType = "unlock"
	TxTransfer TxType = "transfer"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxLock, TxUnlock, TxTransfer:
		return true
	}
	return false
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TransactionRecord is one applied mutation, unique by signature.
type TransactionRecord struct {
	ID          int64           `json:"id"`
	VaultKey    string          `json:"vault_pubkey"`
	Signature   string          `json:"tx_signature"`
	Type        TxType          `json:"transaction_type"`
	Amount      uint64          `json:"amount"`
	FromVault   *string         `json:"from_vault,omitempty"`
	ToVault     *string         `json:"to_vault,omitempty"`
	Status      TxStatus        `json:"status"`
	BlockTime   *int64          `json:"block_time,omitempty"`
	Slot        *uint64         `json:"slot,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// TxFilter narrows a transaction listing. Zero values mean "any".
type TxFilter struct {
	VaultKey string
	Type     TxType
	Limit    int
	Offset   int
}

type SnapshotType string

const (
	SnapshotReconciliation SnapshotType = "reconciliation"
	SnapshotHourly         SnapshotType = "hourly"
	SnapshotDaily          SnapshotType = "daily"
)

// BalanceSnapshot captures mirror balances next to the observed ledger balance.
type BalanceSnapshot struct {
	ID               int64        `json:"id"`
	VaultKey         string       `json:"vault_pubkey"`
	TotalBalance     uint64       `json:"total_balance"`
	LockedBalance    uint64       `json:"locked_balance"`
	AvailableBalance uint64       `json:"available_balance"`
	OnChainBalance   uint64       `json:"on_chain_balance"`
	Discrepancy      int64        `json:"discrepancy"`
	Type             SnapshotType `json:"snapshot_type"`
	CreatedAt        time.Time    `json:"created_at"`
}

type ReconStatus string

const (
	ReconDetected      ReconStatus = "detected"
	ReconInvestigating ReconStatus = "investigating"
	ReconResolved      ReconStatus = "resolved"
)

// ReconciliationLog records one detected mismatch and its resolution.
type ReconciliationLog struct {
	ID              int64       `json:"id"`
	VaultKey        string      `json:"vault_pubkey"`
	ExpectedBalance uint64      `json:"expected_balance"`
	ActualBalance   uint64      `json:"actual_balance"`
	Discrepancy     int64       `json:"discrepancy"`
	Status          ReconStatus `json:"status"`
	Notes           *string     `json:"resolution_notes,omitempty"`
	DetectedAt      time.Time   `json:"detected_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
}

type AlertType string

const (
	AlertLowBalance            AlertType = "low_balance"
	AlertBalanceDiscrepancy    AlertType = "balance_discrepancy"
	AlertInvariantViolation    AlertType = "invariant_violation"
	AlertHighUtilization       AlertType = "high_utilization"
	AlertReconciliationSummary AlertType = "reconciliation_summary"
	AlertArithmeticOverflow    AlertType = "arithmetic_overflow"
	AlertVaultMissing          AlertType = "vault_missing_on_ledger"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is an operator-visible signal.
type Alert struct {
	ID             int64           `json:"id"`
	Type           AlertType       `json:"alert_type"`
	Severity       Severity        `json:"severity"`
	VaultKey       *string         `json:"vault_pubkey,omitempty"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details,omitempty"`
	Status         AlertStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	VaultKey  *string         `json:"vault_pubkey,omitempty"`
	UserKey   *string         `json:"user_pubkey,omitempty"`
	Amount    *uint64         `json:"amount,omitempty"`
	Signature *string         `json:"tx_signature,omitempty"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	IPAddress *string         `json:"ip_address,omitempty"`
	UserAgent *string         `json:"user_agent,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

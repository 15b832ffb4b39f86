package mirror

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	VaultsTableName = "vaults"

	// MaxBalance is the largest balance the store column can hold.
	MaxBalance uint64 = math.MaxInt64
)

// Vault is the off-chain mirror of one collateral vault account.
type Vault struct {
	VaultKey         string    `json:"vault_pubkey"`
	OwnerKey         string    `json:"owner_pubkey"`
	TokenAccount     string    `json:"token_account"`
	TotalBalance     uint64    `json:"total_balance"`
	LockedBalance    uint64    `json:"locked_balance"`
	AvailableBalance uint64    `json:"available_balance"`
	TotalDeposited   uint64    `json:"total_deposited"`
	TotalWithdrawn   uint64    `json:"total_withdrawn"`
	Version          int64     `json:"version"` // bumped on every committed write
	LastEventSlot    uint64    `json:"last_event_slot"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// InvariantHolds reports whether total == available + locked without overflowing.
func (v Vault) InvariantHolds() bool {
	sum, ok := AddChecked(v.AvailableBalance, v.LockedBalance)
	return ok && sum == v.TotalBalance
}

// Utilization is locked/total as a percentage, 0 for an empty vault.
func (v Vault) Utilization() decimal.Decimal {
	if v.TotalBalance == 0 {
		return decimal.Zero
	}
	locked := decimal.NewFromUint64(v.LockedBalance)
	total := decimal.NewFromUint64(v.TotalBalance)
	return locked.Mul(decimal.NewFromInt(100)).Div(total)
}

// AddChecked returns a+b, or false when the result exceeds MaxBalance.
func AddChecked(a, b uint64) (uint64, bool) {
	if a > MaxBalance || b > MaxBalance-a {
		return 0, false
	}
	return a + b, true
}

// SubChecked returns a-b, or false when b > a.
func SubChecked(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}

// TvlStats is the aggregate over every mirrored vault.
type TvlStats struct {
	TotalVaults      int64           `json:"total_vaults"`
	TotalValueLocked uint64          `json:"total_value_locked"`
	TotalAvailable   uint64          `json:"total_available"`
	TotalLocked      uint64          `json:"total_locked"`
	AvgBalance       decimal.Decimal `json:"avg_balance"`
	MaxBalance       uint64          `json:"max_balance"`
	ComputedAt       time.Time       `json:"computed_at"`
}

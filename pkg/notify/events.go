package notify

import (
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
)

type EventType string

const (
	EventBalanceUpdate EventType = "balance_update"
	EventDeposit       EventType = "deposit"
	EventWithdrawal    EventType = "withdrawal"
	EventLock          EventType = "lock"
	EventUnlock        EventType = "unlock"
	EventTvlUpdate     EventType = "tvl_update"
	EventAlert         EventType = "alert"
)

// Event is what subscribers receive. Payload is JSON-encodable.
type Event struct {
	Type      EventType `json:"type"`
	VaultKey  string    `json:"vault,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster is the fan-out capability the core is given.
type Broadcaster interface {
	Broadcast(vaultKey string, ev Event)
	BroadcastAll(ev Event)
}

type BalancePayload struct {
	Vault            string `json:"vault"`
	TotalBalance     uint64 `json:"total_balance"`
	AvailableBalance uint64 `json:"available_balance"`
	LockedBalance    uint64 `json:"locked_balance"`
}

type MovementPayload struct {
	Vault      string `json:"vault"`
	Amount     uint64 `json:"amount"`
	NewBalance uint64 `json:"new_balance"`
	Signature  string `json:"tx_signature,omitempty"`
}

type LockPayload struct {
	Vault            string `json:"vault"`
	Amount           uint64 `json:"amount"`
	LockedBalance    uint64 `json:"locked_balance"`
	AvailableBalance uint64 `json:"available_balance"`
	Signature        string `json:"tx_signature,omitempty"`
}

func now() time.Time { return time.Now().UTC() }

// BalanceUpdate announces the full balance triple of a vault.
func BalanceUpdate(v mirror.Vault) Event {
	return Event{
		Type:     EventBalanceUpdate,
		VaultKey: v.VaultKey,
		Payload: BalancePayload{
			Vault:            v.VaultKey,
			TotalBalance:     v.TotalBalance,
			AvailableBalance: v.AvailableBalance,
			LockedBalance:    v.LockedBalance,
		},
		Timestamp: now(),
	}
}

// Movement builds the typed event for a single-vault mutation.
func Movement(kind mirror.TxType, v mirror.Vault, amount uint64, sig string) Event {
	ev := Event{VaultKey: v.VaultKey, Timestamp: now()}
	switch kind {
	case mirror.TxDeposit, mirror.TxWithdraw:
		ev.Type = EventDeposit
		if kind == mirror.TxWithdraw {
			ev.Type = EventWithdrawal
		}
		ev.Payload = MovementPayload{Vault: v.VaultKey, Amount: amount, NewBalance: v.TotalBalance, Signature: sig}
	case mirror.TxLock, mirror.TxUnlock:
		ev.Type = EventLock
		if kind == mirror.TxUnlock {
			ev.Type = EventUnlock
		}
		ev.Payload = LockPayload{Vault: v.VaultKey, Amount: amount, LockedBalance: v.LockedBalance, AvailableBalance: v.AvailableBalance, Signature: sig}
	default:
		return BalanceUpdate(v)
	}
	return ev
}

// TvlUpdate carries refreshed aggregate statistics to every subscriber.
func TvlUpdate(stats mirror.TvlStats) Event {
	return Event{Type: EventTvlUpdate, Payload: stats, Timestamp: now()}
}

// AlertRaised carries a new alert.
func AlertRaised(a mirror.Alert) Event {
	ev := Event{Type: EventAlert, Payload: a, Timestamp: now()}
	if a.VaultKey != nil {
		ev.VaultKey = *a.VaultKey
	}
	return ev
}

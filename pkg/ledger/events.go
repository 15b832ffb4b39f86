package ledger

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	programDataPrefix = "Program data: "
	programLogPrefix  = "Program "
)

// Event is one decoded program event. The concrete type is the tag.
type Event interface {
	// Vaults lists the vault keys the event touches.
	Vaults() []string
	EventName() string
}

type VaultInitialized struct {
	Owner        string
	Vault        string
	TokenAccount string
	Timestamp    int64
}

type Deposit struct {
	User                string
	Vault               string
	Amount              uint64
	NewTotalBalance     uint64
	NewAvailableBalance uint64
	Timestamp           int64
}

type Withdraw struct {
	User                string
	Vault               string
	Amount              uint64
	NewTotalBalance     uint64
	NewAvailableBalance uint64
	Timestamp           int64
}

type Lock struct {
	Vault               string
	Amount              uint64
	NewLockedBalance    uint64
	NewAvailableBalance uint64
	Timestamp           int64
}

type Unlock struct {
	Vault               string
	Amount              uint64
	NewLockedBalance    uint64
	NewAvailableBalance uint64
	Timestamp           int64
}

type Transfer struct {
	FromVault string
	ToVault   string
	Amount    uint64
	Timestamp int64
}

func (e VaultInitialized) Vaults() []string { return []string{e.Vault} }
func (e Deposit) Vaults() []string          { return []string{e.Vault} }
func (e Withdraw) Vaults() []string         { return []string{e.Vault} }
func (e Lock) Vaults() []string             { return []string{e.Vault} }
func (e Unlock) Vaults() []string           { return []string{e.Vault} }
func (e Transfer) Vaults() []string         { return []string{e.FromVault, e.ToVault} }

func (VaultInitialized) EventName() string { return "VaultInitializeEvent" }
func (Deposit) EventName() string          { return "DepositEvent" }
func (Withdraw) EventName() string         { return "WithdrawEvent" }
func (Lock) EventName() string             { return "LockEvent" }
func (Unlock) EventName() string           { return "UnLockEvent" }
func (Transfer) EventName() string         { return "TransferEvent" }

type eventDecoder func(r *reader) Event

var eventDecoders = map[[discriminatorLen]byte]eventDecoder{
	discriminator("event", VaultInitialized{}.EventName()): func(r *reader) Event {
		return VaultInitialized{Owner: r.pubkey(), Vault: r.pubkey(), TokenAccount: r.pubkey(), Timestamp: r.i64()}
	},
	discriminator("event", Deposit{}.EventName()): func(r *reader) Event {
		return Deposit{User: r.pubkey(), Vault: r.pubkey(), Amount: r.u64(), NewTotalBalance: r.u64(), NewAvailableBalance: r.u64(), Timestamp: r.i64()}
	},
	discriminator("event", Withdraw{}.EventName()): func(r *reader) Event {
		return Withdraw{User: r.pubkey(), Vault: r.pubkey(), Amount: r.u64(), NewTotalBalance: r.u64(), NewAvailableBalance: r.u64(), Timestamp: r.i64()}
	},
	discriminator("event", Lock{}.EventName()): func(r *reader) Event {
		return Lock{Vault: r.pubkey(), Amount: r.u64(), NewLockedBalance: r.u64(), NewAvailableBalance: r.u64(), Timestamp: r.i64()}
	},
	discriminator("event", Unlock{}.EventName()): func(r *reader) Event {
		return Unlock{Vault: r.pubkey(), Amount: r.u64(), NewLockedBalance: r.u64(), NewAvailableBalance: r.u64(), Timestamp: r.i64()}
	},
	discriminator("event", Transfer{}.EventName()): func(r *reader) Event {
		return Transfer{FromVault: r.pubkey(), ToVault: r.pubkey(), Amount: r.u64(), Timestamp: r.i64()}
	},
}

// ErrUnknownEvent is returned by DecodeEvent for a discriminator that is not a vault event.
var ErrUnknownEvent = errors.New("unknown event discriminator")

// DecodeEvent reads the type tag and decodes the payload that tag names.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) < discriminatorLen {
		return nil, fmt.Errorf("%w: event payload has %d bytes", ErrShortData, len(payload))
	}
	var tag [discriminatorLen]byte
	copy(tag[:], payload[:discriminatorLen])

	decode, ok := eventDecoders[tag]
	if !ok {
		return nil, ErrUnknownEvent
	}
	r := newReader(payload[discriminatorLen:])
	ev := decode(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.EventName(), r.err)
	}
	return ev, nil
}

// EventsFromLogs extracts the vault events emitted by programID from a
// transaction's log output, in emission order. Data logged while another
// program is executing is skipped. Unknown events are ignored; malformed
// payloads of known events are reported in the returned error alongside the
// events that did decode.
func EventsFromLogs(programID string, logs []string) ([]Event, error) {
	var (
		events []Event
		errs   []error
		stack  []string
	)

	for _, line := range logs {
		if data, ok := strings.CutPrefix(line, programDataPrefix); ok {
			if programID != "" && (len(stack) == 0 || stack[len(stack)-1] != programID) {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
			if err != nil {
				errs = append(errs, fmt.Errorf("decode program data: %w", err))
				continue
			}
			ev, err := DecodeEvent(payload)
			if errors.Is(err, ErrUnknownEvent) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, ev)
			continue
		}

		rest, ok := strings.CutPrefix(line, programLogPrefix)
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			continue
		}
		switch {
		case fields[1] == "invoke":
			stack = append(stack, fields[0])
		case fields[1] == "success" || fields[1] == "failed:" || fields[1] == "failed":
			if len(stack) > 0 && stack[len(stack)-1] == fields[0] {
				stack = stack[:len(stack)-1]
			}
		}
	}

	return events, errors.Join(errs...)
}

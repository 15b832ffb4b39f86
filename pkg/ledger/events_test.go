package ledger

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgram = "Prog1111111111111111111111111111111111111111"

func dataLog(l *layout) string {
	return programDataPrefix + base64.StdEncoding.EncodeToString(l.Bytes())
}

func TestDecodeEventVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload *layout
		want    Event
	}{
		{
			name:    "deposit",
			payload: new(layout).tag("event", "DepositEvent").key(1).key(2).u64(10).u64(110).u64(60).i64(5),
			want:    Deposit{User: keyOf(1), Vault: keyOf(2), Amount: 10, NewTotalBalance: 110, NewAvailableBalance: 60, Timestamp: 5},
		},
		{
			name:    "withdraw",
			payload: new(layout).tag("event", "WithdrawEvent").key(1).key(2).u64(10).u64(90).u64(40).i64(6),
			want:    Withdraw{User: keyOf(1), Vault: keyOf(2), Amount: 10, NewTotalBalance: 90, NewAvailableBalance: 40, Timestamp: 6},
		},
		{
			name:    "lock",
			payload: new(layout).tag("event", "LockEvent").key(2).u64(30).u64(80).u64(20).i64(7),
			want:    Lock{Vault: keyOf(2), Amount: 30, NewLockedBalance: 80, NewAvailableBalance: 20, Timestamp: 7},
		},
		{
			name:    "unlock",
			payload: new(layout).tag("event", "UnLockEvent").key(2).u64(30).u64(50).u64(50).i64(8),
			want:    Unlock{Vault: keyOf(2), Amount: 30, NewLockedBalance: 50, NewAvailableBalance: 50, Timestamp: 8},
		},
		{
			name:    "transfer",
			payload: new(layout).tag("event", "TransferEvent").key(2).key(3).u64(15).i64(9),
			want:    Transfer{FromVault: keyOf(2), ToVault: keyOf(3), Amount: 15, Timestamp: 9},
		},
		{
			name:    "initialize",
			payload: new(layout).tag("event", "VaultInitializeEvent").key(1).key(2).key(4).i64(1),
			want:    VaultInitialized{Owner: keyOf(1), Vault: keyOf(2), TokenAccount: keyOf(4), Timestamp: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(tt.payload.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventTagDecidesShape(t *testing.T) {
	// A lock payload is long enough to be misread as a transfer; the tag must win.
	payload := new(layout).tag("event", "LockEvent").key(2).u64(30).u64(80).u64(20).i64(7)
	got, err := DecodeEvent(payload.Bytes())
	require.NoError(t, err)
	assert.IsType(t, Lock{}, got)

	_, err = DecodeEvent(new(layout).tag("event", "SomeOtherEvent").u64(1).Bytes())
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeEvent(new(layout).tag("event", "DepositEvent").key(1).Bytes())
	require.ErrorIs(t, err, ErrShortData)
}

func TestEventsFromLogs(t *testing.T) {
	deposit := new(layout).tag("event", "DepositEvent").key(1).key(2).u64(10).u64(10).u64(10).i64(1)
	foreign := new(layout).tag("event", "DepositEvent").key(7).key(7).u64(99).u64(99).u64(99).i64(1)
	unknown := new(layout).tag("event", "Unrelated").u64(1)
	broken := new(layout).tag("event", "LockEvent").key(2)

	logs := []string{
		"Program " + testProgram + " invoke [1]",
		"Program log: Instruction: Deposit",
		"Program TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA invoke [2]",
		dataLog(foreign),
		"Program TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA success",
		dataLog(deposit),
		dataLog(unknown),
		dataLog(broken),
		"Program " + testProgram + " consumed 5000 of 200000 compute units",
		"Program " + testProgram + " success",
	}

	events, err := EventsFromLogs(testProgram, logs)
	require.Error(t, err, "malformed known payload is reported")
	require.Len(t, events, 1)
	assert.Equal(t, keyOf(2), events[0].(Deposit).Vault)
}

func TestEventsFromLogsWithoutProgramFilter(t *testing.T) {
	transfer := new(layout).tag("event", "TransferEvent").key(2).key(3).u64(15).i64(9)
	events, err := EventsFromLogs("", []string{dataLog(transfer), "Program data: !!!notbase64"})
	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{keyOf(2), keyOf(3)}, events[0].Vaults())
}

package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func drain(s *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBroadcastFiltersByVault(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), 8)
	a := h.Register()
	b := h.Register()
	all := h.Register()

	require.NoError(t, h.Subscribe(a.ID, "v1"))
	require.NoError(t, h.Subscribe(b.ID, "v2"))
	require.NoError(t, h.Subscribe(all.ID, AllVaults))

	h.Broadcast("v1", BalanceUpdate(mirror.Vault{VaultKey: "v1", TotalBalance: 10}))

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
	assert.Len(t, drain(all), 1)

	h.BroadcastAll(TvlUpdate(mirror.TvlStats{TotalVaults: 2}))
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), 8)
	s := h.Register()
	require.NoError(t, h.Subscribe(s.ID, "v1"))
	require.NoError(t, h.Unsubscribe(s.ID, "v1"))

	h.Broadcast("v1", BalanceUpdate(mirror.Vault{VaultKey: "v1"}))
	assert.Empty(t, drain(s))

	assert.ErrorIs(t, h.Subscribe("nope", "v1"), ErrUnknownSubscriber)
}

func TestSlowSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), 2)
	slow := h.Register()
	fast := h.Register()
	require.NoError(t, h.Subscribe(slow.ID, "v1"))
	require.NoError(t, h.Subscribe(fast.ID, "v1"))

	var received []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range fast.Events() {
			received = append(received, ev)
			if len(received) == 5 {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Broadcast("v1", BalanceUpdate(mirror.Vault{VaultKey: "v1", TotalBalance: uint64(i)}))
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	wg.Wait()

	assert.Len(t, received, 5)
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, uint64(1), h.Dropped())

	events := drain(slow)
	assert.Len(t, events, 2, "queued events remain readable before the closed channel")
	_, open := <-slow.Events()
	assert.False(t, open)
}

func TestUnregisterClosesQueue(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), 1)
	s := h.Register()
	h.Unregister(s.ID)
	h.Unregister(s.ID)

	_, open := <-s.Events()
	assert.False(t, open)
	assert.Zero(t, h.Count())

	h.BroadcastAll(TvlUpdate(mirror.TvlStats{}))
}

func TestMovementEventTypes(t *testing.T) {
	v := mirror.Vault{VaultKey: "v1", TotalBalance: 100, AvailableBalance: 70, LockedBalance: 30}
	assert.Equal(t, EventDeposit, Movement(mirror.TxDeposit, v, 1, "s").Type)
	assert.Equal(t, EventWithdrawal, Movement(mirror.TxWithdraw, v, 1, "s").Type)
	assert.Equal(t, EventLock, Movement(mirror.TxLock, v, 1, "s").Type)
	assert.Equal(t, EventUnlock, Movement(mirror.TxUnlock, v, 1, "s").Type)
	assert.Equal(t, EventBalanceUpdate, Movement(mirror.TxTransfer, v, 1, "s").Type)

	vault := "v1"
	ev := AlertRaised(mirror.Alert{VaultKey: &vault})
	assert.Equal(t, "v1", ev.VaultKey)
}

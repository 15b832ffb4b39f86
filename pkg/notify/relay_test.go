package notify

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestChannelRoundTrip(t *testing.T) {
	assert.Equal(t, "vaultmirror:abc:events", ChannelFor("abc"))
	assert.Equal(t, "abc", VaultFromChannel(ChannelFor("abc")))
	assert.Equal(t, "_all", VaultFromChannel(ChannelFor("")))
	assert.Empty(t, VaultFromChannel("other:x:block.indexed"))
	assert.Empty(t, VaultFromChannel("vaultmirror::events"))
}

func TestDispatchRemoteEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	hub := NewHub(logger, 8)
	relay := &RedisRelay{hub: hub, logger: logger, origin: "self"}

	sub := hub.Register()
	require.NoError(t, hub.Subscribe(sub.ID, "v1"))

	encode := func(env envelope) []byte {
		b, err := json.Marshal(env)
		require.NoError(t, err)
		return b
	}

	relay.dispatch(ChannelFor("v1"), encode(envelope{Origin: "self", Event: BalanceUpdate(mirror.Vault{VaultKey: "v1"})}))
	assert.Empty(t, drain(sub), "own events are not delivered twice")

	relay.dispatch(ChannelFor("v1"), encode(envelope{Origin: "other", Event: BalanceUpdate(mirror.Vault{VaultKey: "v1"})}))
	relay.dispatch(ChannelFor("v2"), encode(envelope{Origin: "other", Event: BalanceUpdate(mirror.Vault{VaultKey: "v2"})}))
	relay.dispatch(ChannelFor(""), encode(envelope{Origin: "other", All: true, Event: TvlUpdate(mirror.TvlStats{})}))
	relay.dispatch(ChannelFor("v1"), []byte("{not json"))

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, EventBalanceUpdate, got[0].Type)
	assert.Equal(t, EventTvlUpdate, got[1].Type)
}

// silentServer accepts connections and never answers, like a stalled Redis.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func TestBroadcastDoesNotWaitOnStalledRedis(t *testing.T) {
	logger := zap.NewNop()
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         silentServer(t),
		DialTimeout:  time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(logger, 32)
	relay := newRedisRelay(hub, redis.NewFromRedis(rdb, logger), logger, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = relay.Run(ctx) }()

	sub := hub.Register()
	require.NoError(t, hub.Subscribe(sub.ID, "v1"))

	start := time.Now()
	for i := 0; i < 10; i++ {
		relay.Broadcast("v1", BalanceUpdate(mirror.Vault{VaultKey: "v1", TotalBalance: uint64(i)}))
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 50*time.Millisecond, "broadcast blocked on Redis")
	assert.Len(t, drain(sub), 10, "local subscribers still get every event")
	assert.GreaterOrEqual(t, relay.Dropped(), int64(7))
}

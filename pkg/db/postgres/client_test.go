package postgres

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stalledServer accepts connections and never completes the startup handshake.
func stalledServer(t *testing.T) string {
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

func stalledClient(t *testing.T, acquire time.Duration) *Client {
	t.Helper()
	config, err := pgxpool.ParseConfig("postgres://vault:vault@" + stalledServer(t) + "/vaultmirror?sslmode=disable")
	require.NoError(t, err)
	config.MaxConns = 1
	config.ConnConfig.ConnectTimeout = 2 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &Client{Logger: zaptest.NewLogger(t), Pool: pool, AcquireTimeout: acquire}
}

func TestQueryRowBoundedByAcquireTimeout(t *testing.T) {
	c := stalledClient(t, 100*time.Millisecond)

	start := time.Now()
	var n int
	err := c.QueryRow(context.Background(), "SELECT 1").Scan(&n)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInTxBoundedByAcquireTimeout(t *testing.T) {
	c := stalledClient(t, 100*time.Millisecond)

	called := false
	start := time.Now()
	err := c.InTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire connection")
	assert.False(t, called)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetExecutorBoundsPoolAccess(t *testing.T) {
	c := &Client{AcquireTimeout: time.Second}
	_, bounded := c.GetExecutor(context.Background()).(boundedPool)
	assert.True(t, bounded)

	c.AcquireTimeout = 0
	_, bounded = c.GetExecutor(context.Background()).(boundedPool)
	assert.False(t, bounded)
}

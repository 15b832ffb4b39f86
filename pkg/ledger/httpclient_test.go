package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcHandler func(method string, params []json.RawMessage) (any, *RPCError)

func newRPCServer(t *testing.T, h rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		result, rpcErr := h(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAccount(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	srv := newRPCServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		require.Equal(t, "getAccountInfo", method)
		var key string
		require.NoError(t, json.Unmarshal(params[0], &key))
		if key == "missing" {
			return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}, nil
		}
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   map[string]any{"data": []string{base64.StdEncoding.EncodeToString(data), "base64"}, "owner": "x"},
		}, nil
	})

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	got, err := c.GetAccount(context.Background(), "present")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = c.GetAccount(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSignaturesAndTransaction(t *testing.T) {
	srv := newRPCServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		switch method {
		case "getSignaturesForAddress":
			return []map[string]any{
				{"signature": "b", "slot": 11, "err": nil, "blockTime": 100},
				{"signature": "a", "slot": 10, "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
			}, nil
		case "getTransaction":
			var sig string
			require.NoError(t, json.Unmarshal(params[0], &sig))
			if sig == "pending" {
				return nil, nil
			}
			return map[string]any{
				"slot":      11,
				"blockTime": 100,
				"meta":      map[string]any{"err": nil, "logMessages": []string{"Program log: hi"}},
			}, nil
		case "getLatestBlockhash":
			return map[string]any{"value": map[string]any{"blockhash": "hash", "lastValidBlockHeight": 5}}, nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	ctx := context.Background()

	sigs, err := c.GetSignaturesForAddress(ctx, testProgram, 50)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.False(t, sigs[0].Failed())
	assert.True(t, sigs[1].Failed())
	require.NotNil(t, sigs[0].BlockTime)

	tx, err := c.GetTransaction(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), tx.Slot)
	assert.False(t, tx.Failed())
	assert.Equal(t, []string{"Program log: hi"}, tx.LogMessages)

	_, err = c.GetTransaction(ctx, "pending")
	require.ErrorIs(t, err, ErrTransactionNotFound)

	hash, err := c.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash", hash)

	var rpcErr *RPCError
	require.ErrorAs(t, c.Health(ctx), &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestFailoverAndBreaker(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)

	good := newRPCServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": map[string]any{"blockhash": "ok"}}, nil
	})

	c := NewHTTPWithOpts(Opts{
		Endpoints:       []string{bad.URL, good.URL},
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		RPS:             1000,
	})

	for i := 0; i < 5; i++ {
		hash, err := c.GetLatestBlockhash(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", hash)
	}
	assert.Equal(t, int32(2), badHits.Load(), "breaker stops traffic to the failing endpoint")
}

func TestAllEndpointsDown(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)

	c := NewHTTPWithOpts(Opts{Endpoints: []string{bad.URL}})
	_, err := c.GetLatestBlockhash(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

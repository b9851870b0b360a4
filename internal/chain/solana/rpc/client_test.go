package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc, opts ...ClientOption) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, "", slog.Default(), opts...)
	return client, server
}

func decodeRequest(t *testing.T, r *http.Request) Request {
	t.Helper()
	var req Request
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestCall_SendsJSONRPCEnvelope(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "getSlot", req.Method)
		require.Len(t, req.Params, 1)

		require.NoError(t, json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`245678901`),
		}))
	})
	defer server.Close()

	result, err := client.call(context.Background(), "getSlot", []interface{}{map[string]string{"commitment": "confirmed"}})
	require.NoError(t, err)

	var slot uint64
	require.NoError(t, json.Unmarshal(result, &slot))
	assert.Equal(t, uint64(245678901), slot)
}

func TestCall_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "rpc error is returned typed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(Response{
					JSONRPC: "2.0",
					ID:      1,
					Error:   &RPCError{Code: -32005, Message: "node is behind"},
				})
			},
			check: func(t *testing.T, err error) {
				var rpcErr *RPCError
				require.True(t, errors.As(err, &rpcErr))
				assert.Equal(t, -32005, rpcErr.Code)
			},
		},
		{
			name: "non 200 keeps status and method",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "getTransaction: http status 503")
				assert.Contains(t, err.Error(), "upstream busy")
			},
		},
		{
			name: "large error body is truncated",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "http status 502")
				assert.Less(t, len(err.Error()), maxErrorBody+100)
			},
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":`))
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "unmarshal response")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := newTestClient(tc.handler)
			defer server.Close()

			_, err := client.call(context.Background(), "getTransaction", nil)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestCall_ContextCanceled(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.call(ctx, "getSlot", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCall_RequestIDsAreUnique(t *testing.T) {
	var (
		mu  sync.Mutex
		ids = map[int]bool{}
	)
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		mu.Lock()
		ids[req.ID] = true
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	})
	defer server.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.call(context.Background(), "getSlot", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 8)
}

func TestNewClient_Options(t *testing.T) {
	client := NewClient("http://rpc.local", "", nil)
	assert.Equal(t, DefaultCommitment, client.commitment)
	assert.Equal(t, DefaultTimeout, client.httpClient.Timeout)

	shared := &http.Client{Timeout: time.Second}
	custom := NewClient("http://rpc.local", "finalized", nil, WithHTTPClient(shared), WithTimeout(5*time.Second))
	assert.Equal(t, "finalized", custom.commitment)
	assert.Same(t, shared, custom.httpClient)
	assert.Equal(t, 5*time.Second, custom.httpClient.Timeout)
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/grassrootseconomics/eth-store/internal/store"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	subs   map[string]jsonrpc.Request
	values map[string]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:   make(map[string]jsonrpc.Request),
		values: make(map[string]json.RawMessage),
	}
}

func (f *fakeStore) Snapshot() store.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := make(store.Snapshot, len(f.subs))
	for k := range f.subs {
		snap[k] = f.values[k]
	}
	return snap
}

func (f *fakeStore) Value(key string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeStore) Subscriptions() map[string]jsonrpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]jsonrpc.Request, len(f.subs))
	for k, v := range f.subs {
		out[k] = v
	}
	return out
}

func (f *fakeStore) Register(key string, r jsonrpc.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[key] = r
	delete(f.values, key)
}

func (f *fakeStore) Deregister(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, key)
	delete(f.values, key)
}

type fakeStats struct{}

func (fakeStats) APIStatsResponse(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"currentBlock": "0x5"}, nil
}

func newTestServer(t *testing.T, s *fakeStore) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(APIOpts{
		Store: s,
		Stats: fakeStats{},
		Logg:  slog.New(slog.DiscardHandler),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPutSubscription(t *testing.T) {
	s := newFakeStore()
	srv := newTestServer(t, s)

	resp := do(t, http.MethodPut, srv.URL+"/subscriptions/myBalance",
		`{"method":"eth_getBalance","params":["0x86ccA572d34400ce20e7a44Fb970496ABA221253","latest"]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	subs := s.Subscriptions()
	require.Contains(t, subs, "myBalance")
	assert.Equal(t, "eth_getBalance", subs["myBalance"].Method)
	assert.Equal(t, []any{"0x86ccA572d34400ce20e7a44Fb970496ABA221253", "latest"}, subs["myBalance"].Params)

	resp = do(t, http.MethodGet, srv.URL+"/state/myBalance", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPutSubscription_Invalid(t *testing.T) {
	srv := newTestServer(t, newFakeStore())

	resp := do(t, http.MethodPut, srv.URL+"/subscriptions/x", `{"params":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/subscriptions/x", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStateAndDelete(t *testing.T) {
	s := newFakeStore()
	s.Register("head", jsonrpc.Request{Method: "eth_blockNumber"})
	s.values["head"] = json.RawMessage(`"0x10"`)
	srv := newTestServer(t, s)

	resp := do(t, http.MethodGet, srv.URL+"/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.JSONEq(t, `"0x10"`, string(snap["head"]))

	resp = do(t, http.MethodGet, srv.URL+"/state/head", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.JSONEq(t, `"0x10"`, string(v))

	resp = do(t, http.MethodDelete, srv.URL+"/subscriptions/head", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, s.Subscriptions())

	resp = do(t, http.MethodGet, srv.URL+"/state/head", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsHealthMetrics(t *testing.T) {
	srv := newTestServer(t, newFakeStore())

	resp := do(t, http.MethodGet, srv.URL+"/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "0x5", stats["currentBlock"])

	resp = do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeStatus checks the JSON shape nodes report from /health.
func TestNodeStatus(t *testing.T) {
	status := NodeStatus{
		NodeID:        "node-1",
		Cores:         3,
		FreeDiskBytes: 42 << 30,
		Sysprops:      map[string]string{AvailabilityZoneProp: "az1"},
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "node-1", raw["node_id"])
	assert.EqualValues(t, 3, raw["cores"])
	assert.Contains(t, raw, "free_disk_bytes")

	var decoded NodeStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, status, decoded)
}

// TestPostJSON tests PostJSON against a local server.
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		out        any
		status     int
		response   string
		wantErr    bool
		wantStatus int
	}{
		{
			name:     "successful post with response",
			body:     RegisterRequest{Node: NodeInfo{ID: "n1", Addr: "http://n1"}},
			out:      &map[string]string{},
			status:   http.StatusOK,
			response: `{"result":"ok"}`,
		},
		{
			name:   "successful post without response",
			body:   map[string]string{"k": "v"},
			out:    nil,
			status: http.StatusNoContent,
		},
		{
			name:       "server error carries status",
			body:       map[string]string{},
			status:     http.StatusServiceUnavailable,
			response:   "overloaded",
			wantErr:    true,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "not found carries status",
			body:       map[string]string{},
			status:     http.StatusNotFound,
			wantErr:    true,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			err := PostJSON(context.Background(), srv.URL, tt.body, tt.out)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantStatus, se.Code)
			assert.Equal(t, tt.response, se.Body)
		})
	}
}

// TestPostJSONUnencodable verifies encoding failures are reported before any I/O.
func TestPostJSONUnencodable(t *testing.T) {
	err := PostJSON(context.Background(), "http://127.0.0.1:1", map[string]any{"c": make(chan int)}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode request")
}

// TestGetJSON tests GetJSON decoding and error reporting.
func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nodes":
			_, _ = w.Write([]byte(`{"nodes":[{"id":"n1","addr":"http://n1"}]}`))
		case "/bad":
			_, _ = w.Write([]byte(`{not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/nodes", &out))
	assert.Equal(t, []NodeInfo{{ID: "n1", Addr: "http://n1"}}, out.Nodes)

	assert.Error(t, GetJSON(context.Background(), srv.URL+"/bad", &out))

	err := GetJSON(context.Background(), srv.URL+"/missing", &out)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

// TestGetJSONCancelled verifies a cancelled context aborts the request.
func TestGetJSONCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var out map[string]any
	assert.Error(t, GetJSON(ctx, srv.URL, &out))
}

// TestHTTPClient ensures the shared client has a timeout.
func TestHTTPClient(t *testing.T) {
	assert.Equal(t, 5*time.Second, httpClient.Timeout)
}

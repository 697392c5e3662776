package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryClient_Failover(t *testing.T) {
	var failedHits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failedHits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, InstanceListPath, r.URL.Path)
		assert.Equal(t, "orderService", r.URL.Query().Get("serviceName"))
		assert.Equal(t, "DEFAULT", r.URL.Query().Get("clusters"))
		assert.Equal(t, "public", r.URL.Query().Get("namespaceId"))
		w.Write([]byte(`{"name":"orderService","hosts":[]}`))
	}))
	defer healthy.Close()

	servers := NewStaticServerList([]string{
		strings.TrimPrefix(failing.URL, "http://"),
		strings.TrimPrefix(healthy.URL, "http://"),
	}, "public")
	q := NewQueryClient(servers, 0, time.Second, zerolog.Nop())
	q.intn = func(int) int { return 0 }

	body, err := q.QueryList(context.Background(), "orderService", "DEFAULT")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"orderService","hosts":[]}`, body)
	assert.Equal(t, int32(1), failedHits.Load())
}

func TestQueryClient_AllFailed(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	servers := NewStaticServerList([]string{strings.TrimPrefix(failing.URL, "http://")}, "")
	q := NewQueryClient(servers, 0, time.Second, zerolog.Nop())

	_, err := q.QueryList(context.Background(), "svc", "")
	assert.ErrorIs(t, err, ErrAllServersFailed)
}

func TestQueryClient_NoServers(t *testing.T) {
	q := NewQueryClient(NewStaticServerList(nil, ""), 0, time.Second, zerolog.Nop())
	_, err := q.QueryList(context.Background(), "svc", "")
	assert.ErrorIs(t, err, ErrNoServersAvailable)
}

func TestStaticServerList_Copies(t *testing.T) {
	in := []string{"a", "b"}
	l := NewStaticServerList(in, "ns")
	in[0] = "changed"

	out := l.Servers()
	assert.Equal(t, []string{"a", "b"}, out)
	out[1] = "changed"
	assert.Equal(t, []string{"a", "b"}, l.Servers())
	assert.Equal(t, "ns", l.NamespaceID())
}

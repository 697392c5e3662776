package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"namingpush/internal/upstream"
)

// InstanceListPath is the synchronous query endpoint
const InstanceListPath = "/nacos/v1/ns/instance/list"

const maxResponseSize = 10 * 1024 * 1024

// ErrAllServersFailed is returned when every server failed the query
var ErrAllServersFailed = errors.New("all servers failed")

// ErrNoServersAvailable is returned when the server list is empty
var ErrNoServersAvailable = errors.New("no servers available")

// QueryClient performs the non-streaming instance list query with server failover
type QueryClient struct {
	servers ServerList
	port    int
	client  *http.Client
	intn    func(n int) int
	logger  zerolog.Logger
}

// NewQueryClient creates a QueryClient querying servers on the given port.
// A non-positive port keeps the configured server port.
func NewQueryClient(servers ServerList, port int, timeout time.Duration, logger zerolog.Logger) *QueryClient {
	return &QueryClient{
		servers: servers,
		port:    port,
		client:  &http.Client{Timeout: timeout},
		intn:    rand.Intn,
		logger:  logger.With().Str("component", "query").Logger(),
	}
}

// QueryList asks the servers for the instance list of a service, starting at a
// random server and trying each once. Returns the raw response body.
func (q *QueryClient) QueryList(ctx context.Context, serviceName, clusters string) (string, error) {
	servers := q.servers.Servers()
	if len(servers) == 0 {
		return "", ErrNoServersAvailable
	}

	params := url.Values{}
	params.Set("serviceName", serviceName)
	params.Set("clusters", clusters)
	params.Set("namespaceId", q.servers.NamespaceID())

	var lastErr error
	start := q.intn(len(servers))
	for i := 0; i < len(servers); i++ {
		server := servers[(start+i)%len(servers)]

		body, err := q.queryOnce(ctx, server, params)
		if err == nil {
			q.logger.Debug().
				Str("server", server).
				Str("service", serviceName).
				Msg("query succeeded")
			return body, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		q.logger.Warn().
			Err(err).
			Str("server", server).
			Str("service", serviceName).
			Int("attempt", i+1).
			Int("servers", len(servers)).
			Msg("query failed, trying next server")
	}

	return "", fmt.Errorf("%w: %v", ErrAllServersFailed, lastErr)
}

func (q *QueryClient) queryOnce(ctx context.Context, server string, params url.Values) (string, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     upstream.DiscoveryAddress(server, q.port),
		Path:     InstanceListPath,
		RawQuery: params.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return string(body), nil
}

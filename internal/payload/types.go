package payload

import (
	"encoding/json"
)

// Sink names multiplexed over a single bi-directional stream
const (
	SinkSubscribe         = "subscribe"
	SinkSubscribeDuration = "subscribe-duration"
	SinkZombieCheck       = "zombie-check"
	SinkRetransmit        = "re-transmit"
	SinkPushAck           = "push-ack"
	SinkHeartbeat         = "heartbeat"
)

// Push packet types carried on the subscribe sink
const (
	PacketDom       = "dom"
	PacketService   = "service"
	PacketDump      = "dump"
	PacketAck       = "ack"
	PacketHeartbeat = "heartbeat"
)

// clusterSeparator joins a service name and its cluster list into a key
const clusterSeparator = "@@"

// Frame is the envelope exchanged over a stream. Payload is opaque to the transport.
type Frame struct {
	Sink    string `json:"sink"`
	Payload []byte `json:"payload"`
}

// PushPacket is a server-to-client message on the subscribe sink
type PushPacket struct {
	Type        string `json:"type"`
	LastRefTime int64  `json:"lastRefTime,omitempty"`
	ServiceKey  string `json:"serviceKey,omitempty"`
	Data        string `json:"data"`
}

// SubscribeMetadata is sent by a client to subscribe to a service
type SubscribeMetadata struct {
	NamespaceID   string `json:"namespaceId"`
	ServiceName   string `json:"serviceName"`
	Clusters      string `json:"clusters"`
	ClientVersion string `json:"clientVersion"`
	ClientIP      string `json:"clientIp"`
	Timestamp     int64  `json:"timestamp"`
	Tenant        string `json:"tenant"`
	AppName       string `json:"appName"`

	// Success is set by the dedup check; it is never sent
	Success bool `json:"-"`
}

// Key returns the service key this subscription targets
func (m *SubscribeMetadata) Key() string {
	return ServiceKey(m.ServiceName, m.Clusters)
}

// DurationReport carries the cache TTL of a served result for server-side telemetry
type DurationReport struct {
	ServiceKey      string       `json:"serviceKey"`
	CacheTTLSeconds int64        `json:"cacheTtlSeconds"`
	Result          *ServiceInfo `json:"result,omitempty"`
}

// PushAck acknowledges a service push
type PushAck struct {
	ServiceKey  string `json:"serviceKey"`
	LastRefTime int64  `json:"lastRefTime"`
}

// Heartbeat is sent periodically by clients to prove liveness
type Heartbeat struct {
	ClientIP  string `json:"clientIp"`
	Timestamp int64  `json:"timestamp"`
}

// ServiceInfo is the instance list of one service. Hosts are never inspected here.
type ServiceInfo struct {
	Name        string            `json:"name"`
	GroupName   string            `json:"groupName,omitempty"`
	Clusters    string            `json:"clusters"`
	CacheMillis int64             `json:"cacheMillis"`
	LastRefTime int64             `json:"lastRefTime"`
	Checksum    string            `json:"checksum,omitempty"`
	Hosts       []json.RawMessage `json:"hosts"`
}

// Key returns the service key of this info
func (s *ServiceInfo) Key() string {
	return ServiceKey(s.Name, s.Clusters)
}

// IsEmpty returns true if the info has no hosts
func (s *ServiceInfo) IsEmpty() bool {
	return s == nil || len(s.Hosts) == 0
}

// ServiceKey builds the key for a service name and an order-sensitive cluster list
func ServiceKey(serviceName, clusters string) string {
	if clusters == "" {
		return serviceName
	}
	return serviceName + clusterSeparator + clusters
}

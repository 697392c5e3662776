package proxy

// ServerList supplies the configured server addresses and the client's namespace
type ServerList interface {
	Servers() []string
	NamespaceID() string
}

// StaticServerList is a fixed ServerList built from configuration
type StaticServerList struct {
	servers     []string
	namespaceID string
}

// NewStaticServerList creates a StaticServerList
func NewStaticServerList(servers []string, namespaceID string) *StaticServerList {
	s := make([]string, len(servers))
	copy(s, servers)
	return &StaticServerList{servers: s, namespaceID: namespaceID}
}

// Servers returns a copy of the server addresses in configured order
func (l *StaticServerList) Servers() []string {
	out := make([]string, len(l.servers))
	copy(out, l.servers)
	return out
}

// NamespaceID returns the namespace id
func (l *StaticServerList) NamespaceID() string {
	return l.namespaceID
}

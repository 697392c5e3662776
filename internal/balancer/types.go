package balancer

import (
	"errors"
	"fmt"
	"strings"

	"namingpush/internal/upstream"
)

// ErrNoServers is returned when the server list is empty
var ErrNoServers = errors.New("no server address configured")

// ErrNoLiveServer is matched by NoLiveServerError
var ErrNoLiveServer = errors.New("no live server")

// NoLiveServerError reports that every scanned server was in failure state
type NoLiveServerError struct {
	Servers []string
}

func (e *NoLiveServerError) Error() string {
	return fmt.Sprintf("%s, tried: [%s]", ErrNoLiveServer, strings.Join(e.Servers, ", "))
}

// Is reports whether target is ErrNoLiveServer
func (e *NoLiveServerError) Is(target error) bool {
	return target == ErrNoLiveServer
}

// ChannelSource provides a cached channel per server address
type ChannelSource interface {
	GetOrCreate(server string) (upstream.Channel, error)
}

package cache

import "namingpush/internal/payload"

// Cache stores the latest known ServiceInfo per service key.
// Both the push path and the synchronous query path feed UpdateServiceInfo.
type Cache interface {
	// Get returns the cached info for a service and its clusters
	Get(serviceName, clusters string) (*payload.ServiceInfo, bool)

	// UpdateServiceInfo decodes a raw service info payload and stores it
	UpdateServiceInfo(raw string) error

	// Close releases any resources held by the cache
	Close()
}

// UpdateFunc is notified after an info has been stored
type UpdateFunc func(info *payload.ServiceInfo)

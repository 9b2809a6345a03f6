package connector

import (
	"errors"
	"fmt"
)

// ErrUnknownResource means no connector is bound for a resource ID.
var ErrUnknownResource = errors.New("connector: unknown resource")

// Registry is a static Resolver: resources are bound to connectors at
// startup from configuration and never change while running.
type Registry struct {
	byResource map[string]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byResource: make(map[string]Connector)}
}

// Bind associates a resource with its connector, replacing any previous
// binding.
func (r *Registry) Bind(resourceID string, conn Connector) {
	r.byResource[resourceID] = conn
}

// Connector implements Resolver.
func (r *Registry) Connector(resourceID string) (Connector, error) {
	conn, ok := r.byResource[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}

	return conn, nil
}

package storage

import (
	"fmt"
	"sync"
)

// ConnectorRegistry manages the connectors of the configured providers
type ConnectorRegistry interface {
	// Register adds a connector to the registry
	Register(connector Connector) error

	// Get retrieves the connector for a provider
	Get(provider Provider) (Connector, error)

	// List returns the registered providers in display order
	List() []Provider
}

// DefaultConnectorRegistry is the default implementation
type DefaultConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[Provider]Connector
}

// NewConnectorRegistry creates a new connector registry
func NewConnectorRegistry() *DefaultConnectorRegistry {
	return &DefaultConnectorRegistry{
		connectors: make(map[Provider]Connector),
	}
}

// Register adds a connector to the registry
func (r *DefaultConnectorRegistry) Register(connector Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider := connector.Provider()
	if !provider.Valid() {
		return NewStorageError(ErrorCodeUnsupportedProvider, "cannot register connector", provider, "", nil)
	}
	if _, exists := r.connectors[provider]; exists {
		return fmt.Errorf("connector %s already registered", provider)
	}

	r.connectors[provider] = connector
	return nil
}

// Get retrieves the connector for a provider
func (r *DefaultConnectorRegistry) Get(provider Provider) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connector, exists := r.connectors[provider]
	if !exists {
		return nil, NewStorageError(ErrorCodeUnsupportedProvider, fmt.Sprintf("connector %s not registered", provider), provider, "", nil)
	}

	return connector, nil
}

// List returns the registered providers in display order
func (r *DefaultConnectorRegistry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.connectors))
	for _, p := range AllProviders {
		if _, ok := r.connectors[p]; ok {
			providers = append(providers, p)
		}
	}
	return providers
}

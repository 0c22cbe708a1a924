// Package connector maintains the registry of downstream services and
// performs health checks and generic outbound calls against them.
package connector

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/doxops/orchestrator/types"
)

// Registry is the static catalog of downstream services. It is loaded
// once and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]types.ServiceRegistryEntry
}

// NewRegistry creates a registry from the given entries.
func NewRegistry(entries ...types.ServiceRegistryEntry) *Registry {
	r := &Registry{entries: make(map[string]types.ServiceRegistryEntry, len(entries))}
	for _, e := range entries {
		r.entries[e.Name] = e
	}
	return r
}

// LoadRegistryFile reads a YAML service catalog:
//
//	services:
//	  - name: dox-core-store
//	    host: dox-core-store
//	    port: 5000
//	    health_endpoint: /health
//	    api_prefix: /api/v1
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service registry: %w", err)
	}

	var doc struct {
		Services []types.ServiceRegistryEntry `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse service registry: %w", err)
	}

	for _, e := range doc.Services {
		if e.Name == "" || e.Host == "" || e.Port == 0 {
			return nil, fmt.Errorf("service registry entry %q: name, host and port are required", e.Name)
		}
	}
	return NewRegistry(doc.Services...), nil
}

// DefaultRegistry returns the built-in catalog of document-processing
// services.
func DefaultRegistry() *Registry {
	entries := []types.ServiceRegistryEntry{
		{Name: "dox-core-store", Host: "dox-core-store", Port: 5000, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-core-auth", Host: "dox-core-auth", Port: 5001, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-tmpl-pdf-upload", Host: "dox-tmpl-pdf-upload", Port: 5002, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-tmpl-pdf-recognizer", Host: "dox-tmpl-pdf-recognizer", Port: 5003, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-pact-manual-upload", Host: "dox-pact-manual-upload", Port: 5004, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-rtns-manual-upload", Host: "dox-rtns-manual-upload", Port: 5005, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-tmpl-service", Host: "dox-tmpl-service", Port: 5006, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-validation-service", Host: "dox-validation-service", Port: 5007, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-actv-service", Host: "dox-actv-service", Port: 5008, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
		{Name: "dox-esig-service", Host: "dox-esig-service", Port: 5009, HealthEndpoint: "/health", APIPrefix: "/api/v1"},
	}
	return NewRegistry(entries...)
}

// Get returns the entry for a service name.
func (r *Registry) Get(name string) (types.ServiceRegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns all registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

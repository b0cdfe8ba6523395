package kagura

import (
	"fmt"
)

const (
	// ServiceLLMProviderRegistry is the injector key of the LLM provider registry.
	ServiceLLMProviderRegistry = "service/llm"
	// ServiceCommandCatalog is the injector key of the command catalog.
	ServiceCommandCatalog = "service/commands"
	// ServiceStore is the injector key of the persistence backend.
	ServiceStore = "service/storage"
)

// ServiceResolver provides runtime dependency lookup to modules.
type ServiceResolver interface {
	// Resolve returns the current value of a service key.
	Resolve(name string) (any, error)
}

// ResolveAs resolves name and converts the result to T.
func ResolveAs[T any](resolver ServiceResolver, name string) (T, error) {
	var want T
	service, err := resolver.Resolve(name)
	if err != nil {
		return want, fmt.Errorf("resolve service %s: %w", name, err)
	}
	if typed, ok := service.(T); ok {
		return typed, nil
	}

	return want, fmt.Errorf("resolve service %s: unexpected type %T", name, service)
}

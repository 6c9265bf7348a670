package fields

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownKey indicates that a field key is empty or not part of the registry.
	ErrUnknownKey = errors.New("fields: unknown key")
	// ErrInvalidDefinition indicates that a field definition cannot be registered.
	ErrInvalidDefinition = errors.New("fields: invalid definition")
)

// Key names a governable project field.
type Key string

// String returns the raw key.
func (key Key) String() string {
	return string(key)
}

// Definition describes how a field key is governed.
type Definition struct {
	Key                  Key
	Essential            bool
	AccountabilityMetric float64
	// PublishMinWeight is the aggregate vote weight a draft needs on this key before the
	// project can publish. Zero means the configured default applies.
	PublishMinWeight int64
}

// Registry is a closed set of field definitions.
type Registry struct {
	definitions map[Key]Definition
	order       []Key
}

// NewRegistry validates the definitions and returns a Registry preserving their order.
func NewRegistry(definitions ...Definition) (*Registry, error) {
	if len(definitions) == 0 {
		return nil, fmt.Errorf("%w: no definitions", ErrInvalidDefinition)
	}
	registry := &Registry{
		definitions: make(map[Key]Definition, len(definitions)),
		order:       make([]Key, 0, len(definitions)),
	}
	for _, definition := range definitions {
		key := Key(strings.TrimSpace(definition.Key.String()))
		if key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidDefinition)
		}
		if _, exists := registry.definitions[key]; exists {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrInvalidDefinition, key)
		}
		if definition.AccountabilityMetric < 0 {
			return nil, fmt.Errorf("%w: negative accountability metric for %s", ErrInvalidDefinition, key)
		}
		if definition.PublishMinWeight < 0 {
			return nil, fmt.Errorf("%w: negative publish weight for %s", ErrInvalidDefinition, key)
		}
		definition.Key = key
		registry.definitions[key] = definition
		registry.order = append(registry.order, key)
	}
	return registry, nil
}

// MustRegistry is NewRegistry for static tables; it panics on invalid input.
func MustRegistry(definitions ...Definition) *Registry {
	registry, err := NewRegistry(definitions...)
	if err != nil {
		panic(err)
	}
	return registry
}

// DefaultRegistry returns the field set governed on project pages.
func DefaultRegistry() *Registry {
	return MustRegistry(
		Definition{Key: "name", Essential: true, AccountabilityMetric: 1},
		Definition{Key: "categories", Essential: true, AccountabilityMetric: 0.6},
		Definition{Key: "codeRepo", Essential: true, AccountabilityMetric: 0.8, PublishMinWeight: 300},
		Definition{Key: "tagline", AccountabilityMetric: 0.4},
		Definition{Key: "website", AccountabilityMetric: 0.6},
		Definition{Key: "whitePaper", AccountabilityMetric: 0.6},
		Definition{Key: "tokenContract", AccountabilityMetric: 0.8},
		Definition{Key: "roadmap", AccountabilityMetric: 0.5},
		Definition{Key: "team", AccountabilityMetric: 0.5},
		Definition{Key: "socialLinks", AccountabilityMetric: 0.3},
	)
}

// Lookup resolves a raw key against the registry.
func (registry *Registry) Lookup(rawKey string) (Definition, error) {
	trimmed := strings.TrimSpace(rawKey)
	if trimmed == "" {
		return Definition{}, fmt.Errorf("%w: empty", ErrUnknownKey)
	}
	definition, ok := registry.definitions[Key(trimmed)]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownKey, trimmed)
	}
	return definition, nil
}

// Keys returns all registered keys in declaration order.
func (registry *Registry) Keys() []Key {
	keys := make([]Key, len(registry.order))
	copy(keys, registry.order)
	return keys
}

// EssentialKeys returns the essential keys in declaration order.
func (registry *Registry) EssentialKeys() []Key {
	keys := make([]Key, 0, len(registry.order))
	for _, key := range registry.order {
		if registry.definitions[key].Essential {
			keys = append(keys, key)
		}
	}
	return keys
}

package observers

import (
	"fmt"
	"sort"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// Factory resolves observers by type. The zero value is not usable; call
// NewFactory to get one preloaded with the built-in observer types.
type Factory struct {
	observers map[domain.ObserverType]Observer
}

// NewFactory returns a factory with all built-in observers registered.
func NewFactory() *Factory {
	f := &Factory{observers: make(map[domain.ObserverType]Observer)}
	f.Register(&SQLExtendedPropertyObserver{})
	f.Register(&SQLQueryObserver{})
	f.Register(&HTTPObserver{})
	f.Register(&FileObserver{})
	return f
}

// Register adds or replaces the observer for its declared type.
func (f *Factory) Register(obs Observer) {
	f.observers[obs.Type()] = obs
}

// New returns the observer registered for the given type.
func (f *Factory) New(t domain.ObserverType) (Observer, error) {
	obs, ok := f.observers[t]
	if !ok {
		return nil, fmt.Errorf("unsupported observer type: %s", t)
	}
	return obs, nil
}

// IsSupported reports whether an observer is registered for the given type.
func (f *Factory) IsSupported(t domain.ObserverType) bool {
	_, ok := f.observers[t]
	return ok
}

// SupportedTypes returns the registered observer types in sorted order.
func (f *Factory) SupportedTypes() []domain.ObserverType {
	types := make([]domain.ObserverType, 0, len(f.observers))
	for t := range f.observers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

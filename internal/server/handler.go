package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"example.com/servedir/v2/internal/logger"
)

// HandlerFactory builds a handler instance for one route. mountPrefix is the
// route's path pattern, the URL segment the handler is mounted under.
type HandlerFactory func(handlerConfig json.RawMessage, mountPrefix string, lg *logger.Logger) (http.Handler, error)

// HandlerRegistry maps HandlerType strings (from configuration) to their
// factory functions. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates and returns a new HandlerRegistry instance.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates a HandlerType string with a factory function.
// It returns an error if a HandlerType is registered more than once.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("factory for handler type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves a registered HandlerFactory for the given handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler instantiates a handler through the factory registered for
// handlerType.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, mountPrefix string, lg *logger.Logger) (http.Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	return factory(handlerConfig, mountPrefix, lg)
}

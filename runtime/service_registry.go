// Package runtime includes utilities for managing the lifecycles of the
// orchestrator's long-running services.
package runtime

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Service is a struct that can be registered into a ServiceRegistry for
// easy dependency management.
type Service interface {
	// Start spawns any goroutines required by the service.
	Start()
	// Stop terminates all goroutines belonging to the service,
	// blocking until they are all terminated.
	Stop() error
	// Status returns error if the service is not considered healthy.
	Status() error
}

// ServiceRegistry provides a useful pattern for managing services.
// Services are registered under an explicit name and started in
// registration order.
type ServiceRegistry struct {
	services map[string]Service
	names    []string // ordered slice of registered service names.
}

// NewServiceRegistry starts a registry instance for convenience.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]Service),
	}
}

// StartAll initialized each service in order of registration.
func (s *ServiceRegistry) StartAll() {
	log.Debugf("Starting %d services: %v", len(s.names), s.names)
	for _, name := range s.names {
		log.WithField("service", name).Debug("Starting service")
		go s.services[name].Start()
	}
}

// StopAll ends every service in reverse order of registration, logging an
// error if any of them fail to stop.
func (s *ServiceRegistry) StopAll() {
	for i := len(s.names) - 1; i >= 0; i-- {
		name := s.names[i]
		if err := s.services[name].Stop(); err != nil {
			log.WithError(err).Errorf("Could not stop the following service: %s", name)
		}
	}
}

// Statuses returns a map of service name -> error. The map will be populated
// with the results of each service.Status() method call.
func (s *ServiceRegistry) Statuses() map[string]error {
	m := make(map[string]error, len(s.names))
	for _, name := range s.names {
		m[name] = s.services[name].Status()
	}
	return m
}

// RegisterService appends a service to the service registry under the
// given name.
func (s *ServiceRegistry) RegisterService(name string, service Service) error {
	if _, exists := s.services[name]; exists {
		return errors.Errorf("service already exists: %s", name)
	}
	s.services[name] = service
	s.names = append(s.names, name)
	return nil
}

// FetchService returns the service registered under the given name.
func (s *ServiceRegistry) FetchService(name string) (Service, error) {
	service, ok := s.services[name]
	if !ok {
		return nil, errors.Errorf("unknown service: %s", name)
	}
	return service, nil
}

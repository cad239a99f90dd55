package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type mockService struct {
	status error
}

func (m *mockService) Start() {}

func (m *mockService) Stop() error {
	return nil
}

func (m *mockService) Status() error {
	return m.status
}

func TestRegisterService_Twice(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService("mock", m))

	// Checks if first service was indeed registered.
	require.Equal(t, 1, len(registry.names))
	require.ErrorContains(t, registry.RegisterService("mock", m), "service already exists")
}

func TestRegisterService_Different(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &mockService{}
	require.NoError(t, registry.RegisterService("first", m))
	require.NoError(t, registry.RegisterService("second", s))

	require.Equal(t, 2, len(registry.names))

	fetched, err := registry.FetchService("first")
	require.NoError(t, err)
	require.Same(t, Service(m), fetched)
}

func TestFetchService_Unknown(t *testing.T) {
	registry := NewServiceRegistry()

	_, err := registry.FetchService("nope")
	require.ErrorContains(t, err, "unknown service")
}

func TestServiceRegistry_Statuses(t *testing.T) {
	registry := NewServiceRegistry()

	require.NoError(t, registry.RegisterService("healthy", &mockService{}))
	statuses := registry.Statuses()
	require.Len(t, statuses, 1)
	require.NoError(t, statuses["healthy"])
}

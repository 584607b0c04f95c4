package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gaborage/netcore/telemetry"
	"github.com/gaborage/netcore/telemetry/store"
)

// MockSubmitter provides a testify-based mock implementation of telemetry.Submitter.
type MockSubmitter struct {
	mock.Mock
}

var _ telemetry.Submitter = (*MockSubmitter)(nil)

// Submit implements telemetry.Submitter
func (m *MockSubmitter) Submit(ctx context.Context, batch []telemetry.Event) error {
	return m.Called(ctx, batch).Error(0)
}

// MockStore provides a testify-based mock implementation of store.Store.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

// Load implements store.Store
func (m *MockStore) Load(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

// Save implements store.Store
func (m *MockStore) Save(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

// Delete implements store.Store
func (m *MockStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

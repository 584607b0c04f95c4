package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gaborage/netcore/auth"
)

// MockTokenStore provides a testify-based mock implementation of auth.TokenStore.
type MockTokenStore struct {
	mock.Mock
}

var _ auth.TokenStore = (*MockTokenStore)(nil)

// Load implements auth.TokenStore
func (m *MockTokenStore) Load(ctx context.Context) (auth.TokenPair, error) {
	args := m.Called(ctx)
	pair, _ := args.Get(0).(auth.TokenPair)
	return pair, args.Error(1)
}

// Save implements auth.TokenStore
func (m *MockTokenStore) Save(ctx context.Context, pair auth.TokenPair) error {
	return m.Called(ctx, pair).Error(0)
}

// Clear implements auth.TokenStore
func (m *MockTokenStore) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockRefresher provides a testify-based mock implementation of auth.Refresher.
type MockRefresher struct {
	mock.Mock
}

var _ auth.Refresher = (*MockRefresher)(nil)

// Refresh implements auth.Refresher
func (m *MockRefresher) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockErrorReporter records refresh failures.
//
// Example usage:
//
//	reporter := &mocks.MockErrorReporter{}
//	reporter.On("ReportError", mock.Anything, mock.Anything, auth.ReportTag).Return()
type MockErrorReporter struct {
	mock.Mock
}

var _ auth.ErrorReporter = (*MockErrorReporter)(nil)

// ReportError implements auth.ErrorReporter
func (m *MockErrorReporter) ReportError(ctx context.Context, err error, tag string) {
	m.Called(ctx, err, tag)
}

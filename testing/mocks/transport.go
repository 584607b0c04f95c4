package mocks

import (
	nethttp "net/http"

	"github.com/stretchr/testify/mock"

	"github.com/gaborage/netcore/http"
)

// MockDoer provides a testify-based mock implementation of http.Doer.
//
// Example usage:
//
//	doer := &mocks.MockDoer{}
//	doer.On("Do", mock.Anything).Return(fixtures.JSONResponse(200, `{"ok":true}`), nil)
type MockDoer struct {
	mock.Mock
}

var _ http.Doer = (*MockDoer)(nil)

// Do implements http.Doer
func (m *MockDoer) Do(req *nethttp.Request) (*nethttp.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*nethttp.Response)
	return resp, args.Error(1)
}

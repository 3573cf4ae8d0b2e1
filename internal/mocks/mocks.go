// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/navchain/pkg/driver"
)

// -- Page Mock --

// Page is a trivial page handle for use with MockDriver.
type Page string

func (p Page) ID() string { return string(p) }

// -- Driver Mock --

// MockDriver mocks driver.Driver. It deliberately implements none of the
// optional capabilities, so capability lookups against it fail.
type MockDriver struct {
	mock.Mock
}

var _ driver.Driver = (*MockDriver)(nil)

func (m *MockDriver) Name() string {
	return "mock"
}

func (m *MockDriver) CreatePage(ctx context.Context) (driver.Page, error) {
	args := m.Called(ctx)
	if p := args.Get(0); p != nil {
		return p.(driver.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

// Evaluate records the call arguments as a single []any so expectations can
// match them as one value.
func (m *MockDriver) Evaluate(ctx context.Context, p driver.Page, fn string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	ret := m.Called(ctx, p, fn, args)
	var raw json.RawMessage
	if r := ret.Get(0); r != nil {
		raw = r.(json.RawMessage)
	}
	return raw, ret.Error(1)
}

func (m *MockDriver) Navigate(ctx context.Context, p driver.Page, url string, opts driver.NavigateOptions) (*driver.Response, error) {
	args := m.Called(ctx, p, url, opts)
	var resp *driver.Response
	if r := args.Get(0); r != nil {
		resp = r.(*driver.Response)
	}
	return resp, args.Error(1)
}

func (m *MockDriver) IsLoading(ctx context.Context, p driver.Page) (bool, error) {
	args := m.Called(ctx, p)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) ClosePage(ctx context.Context, p driver.Page) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockDriver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

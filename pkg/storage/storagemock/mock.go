package storagemock

import (
	"context"

	"github.com/raterudder/pvcast/pkg/storage"
	"github.com/stretchr/testify/mock"
)

type MockBackend struct {
	mock.Mock
}

var _ storage.Backend = (*MockBackend)(nil)

func (m *MockBackend) Read(ctx context.Context, name string) ([]byte, error) {
	args := m.Called(ctx, name)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBackend) Write(ctx context.Context, name string, data []byte) error {
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

func (m *MockBackend) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockBackend) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	if n, ok := args.Get(0).([]string); ok {
		return n, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}

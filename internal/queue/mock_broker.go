package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
)

// MockBroker is a mock implementation of feed.TaskBroker for testing.
type MockBroker struct {
	mock.Mock
}

var _ feed.TaskBroker = (*MockBroker)(nil)

// NextJob is the mock implementation of the NextJob method.
func (m *MockBroker) NextJob(ctx context.Context) (feed.Delivery, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(feed.Delivery), args.Bool(1), args.Error(2)
}

// Acknowledge is the mock implementation of the Acknowledge method.
func (m *MockBroker) Acknowledge(ctx context.Context, token feed.DeliveryToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

// Reject is the mock implementation of the Reject method.
func (m *MockBroker) Reject(ctx context.Context, token feed.DeliveryToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

// Close is the mock implementation of the Close method.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockPublisher is a mock implementation of feed.ResultPublisher for testing.
type MockPublisher struct {
	mock.Mock
}

var _ feed.ResultPublisher = (*MockPublisher)(nil)

// Publish is the mock implementation of the Publish method.
func (m *MockPublisher) Publish(ctx context.Context, payload []byte) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// Close is the mock implementation of the Close method.
func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

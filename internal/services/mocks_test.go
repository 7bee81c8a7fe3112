package services

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Deliver(ctx context.Context, env Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

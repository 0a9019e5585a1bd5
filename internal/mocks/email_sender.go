package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/commitcast/internal/domain"
)

// MockEmailSender fakes the email provider and keeps every sent message.
type MockEmailSender struct {
	SendFn func(ctx context.Context, msg domain.EmailMessage) (string, error)
	Err    error

	mu   sync.Mutex
	sent []domain.EmailMessage
}

// Send records msg and returns a sequential message id.
func (m *MockEmailSender) Send(ctx context.Context, msg domain.EmailMessage) (string, error) {
	if m.SendFn != nil {
		id, err := m.SendFn(ctx, msg)
		if err == nil {
			m.record(msg)
		}
		return id, err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return fmt.Sprintf("msg-%d", m.record(msg)), nil
}

func (m *MockEmailSender) record(msg domain.EmailMessage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return len(m.sent)
}

// Sent returns the successfully sent messages.
func (m *MockEmailSender) Sent() []domain.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EmailMessage(nil), m.sent...)
}

package session_test

import (
	"context"
	"sync"

	"github.com/sendbeam/go-session"
	"github.com/stretchr/testify/mock"
)

// testPrincipal implements session.Principal
type testPrincipal struct {
	UID          string
	EmailAddress string
}

func (p testPrincipal) ID() string    { return p.UID }
func (p testPrincipal) Email() string { return p.EmailAddress }

// MockIdentityClient implements session.IdentityClient. OnSessionChange is
// not expectation-driven: it captures the callback so tests can emit session
// changes directly.
type MockIdentityClient struct {
	mock.Mock
	Callback     func(session.Principal)
	Unsubscribed bool
}

func (m *MockIdentityClient) OnSessionChange(fn func(session.Principal)) func() {
	m.Callback = fn
	return func() { m.Unsubscribed = true }
}

func (m *MockIdentityClient) Token(ctx context.Context, forceRefresh bool) (string, error) {
	args := m.Called(ctx, forceRefresh)
	return args.String(0), args.Error(1)
}

func (m *MockIdentityClient) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockBackendClient implements session.BackendClient
type MockBackendClient struct {
	mock.Mock
}

func (m *MockBackendClient) Sync(ctx context.Context, token string, allowCreate bool) (*session.User, error) {
	args := m.Called(ctx, token, allowCreate)
	var user *session.User
	if u := args.Get(0); u != nil {
		user = u.(*session.User)
	}
	return user, args.Error(1)
}

func (m *MockBackendClient) Logout(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBackendClient) ActivateProduct(ctx context.Context, product string) error {
	args := m.Called(ctx, product)
	return args.Error(0)
}

// MockStorage implements session.Storage
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Clear(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

// recordingSink collects transition events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []session.TransitionEvent
}

func (s *recordingSink) Record(_ context.Context, event session.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) States() []session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.State, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.To
	}
	return out
}

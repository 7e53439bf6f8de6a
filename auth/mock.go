package auth

import (
	"context"
	"fmt"
	"sync"
)

// MockClient verifies tokens against a fixed in-memory table. Used in
// tests and local development until the production identity API is
// hooked in.
type MockClient struct {
	Client

	mu     sync.RWMutex
	tokens map[string]*Identity
}

func NewMockClient() *MockClient {
	return &MockClient{tokens: make(map[string]*Identity)}
}

// Grant registers a token for an identity and returns the client for
// chaining.
func (c *MockClient) Grant(token string, id *Identity) *MockClient {
	c.mu.Lock()
	c.tokens[token] = id
	c.mu.Unlock()
	return c
}

func (c *MockClient) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}
	c.mu.RLock()
	id := c.tokens[token]
	c.mu.RUnlock()
	if id == nil {
		return nil, fmt.Errorf("invalid token")
	}
	return id, nil
}

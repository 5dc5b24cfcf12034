package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlstream/internal/application/port"
)

type stubClient struct{ cfg ExchangeConfig }

func (s *stubClient) Subscribe(context.Context, string, any, port.Listener) (port.Subscription, error) {
	return nil, nil
}
func (s *stubClient) Name() string { return s.cfg.Name }
func (s *stubClient) Run(context.Context) error { return nil }
func (s *stubClient) Connected() bool { return false }
func (s *stubClient) Close() error { return nil }

func TestRegisterAndGet(t *testing.T) {
	Register("STUB", func(cfg ExchangeConfig) Client { return &stubClient{cfg: cfg} })
	Register("NIL", nil)

	f, ok := Get("STUB")
	require.True(t, ok)
	c := f(ExchangeConfig{Name: "STUB", WsURL: "ws://example"})
	assert.Equal(t, "STUB", c.Name())

	_, ok = Get("NIL")
	assert.False(t, ok)
	assert.Contains(t, Names(), "STUB")
}

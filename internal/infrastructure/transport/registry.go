package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hlstream/internal/application/port"
)

const ExchangeHyperliquid = "HYPERLIQUID"

// ExchangeConfig 单个交易所 WebSocket 连接参数
type ExchangeConfig struct {
	Name             string
	WsURL            string
	SubscribeTimeout time.Duration
	PingInterval     time.Duration
}

// Client is a transport with its own connection lifecycle.
type Client interface {
	port.Transport
	Name() string
	Run(ctx context.Context) error
	Connected() bool
	Close() error
}

// Factory builds a Client for one exchange.
type Factory func(cfg ExchangeConfig) Client

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register 注册交易所 transport factory，由各交易所包的 init() 调用
func Register(exchangeName string, factory Factory) {
	if factory == nil {
		log.Warn().Str("exchange", exchangeName).Msg("invalid transport factory")
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[exchangeName]; exists {
		log.Warn().Str("exchange", exchangeName).Msg("transport factory already registered, overwriting")
	}
	registry[exchangeName] = factory
	log.Debug().Str("exchange", exchangeName).Msg("transport factory registered")
}

// Get 获取已注册的 transport factory
func Get(exchangeName string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := registry[exchangeName]
	return factory, ok
}

// Names returns the registered exchange names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

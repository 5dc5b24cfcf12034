package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hlstream/internal/infrastructure/config"
	"hlstream/internal/infrastructure/transport"
)

var ErrNotConnected = errors.New("websocket not connected after retries")

// RetryConfig 等待 WebSocket 连接就绪的重试配置
type RetryConfig struct {
	MaxRetries int           // 最大重试次数
	InitialDel time.Duration // 初始延迟
	MaxDelay   time.Duration // 最大延迟
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 5,
	InitialDel: 200 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// WebSocketManager 统一管理所有已启用交易所的 WebSocket transport
type WebSocketManager struct {
	clients     map[string]transport.Client
	order       []string
	retryConfig RetryConfig
}

// NewWebSocketManager 创建 WebSocket 管理器
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		clients:     make(map[string]transport.Client),
		retryConfig: DefaultRetryConfig,
	}
}

// SetRetryConfig 设置重试配置
func (m *WebSocketManager) SetRetryConfig(cfg RetryConfig) {
	m.retryConfig = cfg
}

// Initialize 为每个已启用的交易所创建 transport
// 单个交易所缺少 factory 时继续初始化其他交易所
func (m *WebSocketManager) Initialize(cfg *config.Config) error {
	enabled := cfg.GetEnabledExchanges()
	var failed []string

	for _, name := range enabled {
		exchCfg := cfg.Exchanges[name]
		factory, ok := transport.Get(name)
		if !ok {
			log.Error().Str("exchange", name).Msg("transport factory not registered")
			failed = append(failed, name)
			continue
		}
		client := factory(transport.ExchangeConfig{
			Name:             name,
			WsURL:            exchCfg.WsURL,
			SubscribeTimeout: time.Duration(exchCfg.SubscribeTimeoutMs) * time.Millisecond,
			PingInterval:     time.Duration(exchCfg.PingIntervalSec) * time.Second,
		})
		m.clients[name] = client
		m.order = append(m.order, name)
		log.Info().Str("exchange", name).Str("url", exchCfg.WsURL).Msg("✓ " + name + " websocket initialized")
	}

	// 如果所有交易所都失败，返回错误
	if len(enabled) == 0 || len(failed) == len(enabled) {
		return fmt.Errorf("failed to initialize websocket for all exchanges: %v", failed)
	}
	if len(failed) > 0 {
		log.Warn().Strs("failed_exchanges", failed).Msg("some exchanges failed to initialize websocket, but others succeeded")
	}
	return nil
}

// Run 运行所有 transport 的连接循环，直到 ctx 取消
func (m *WebSocketManager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range m.order {
		client := m.clients[name]
		g.Go(func() error {
			err := client.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// WaitConnected 按指数退避检查连接状态，超过最大重试次数后返回 ErrNotConnected
func (m *WebSocketManager) WaitConnected(ctx context.Context, name string) error {
	client, ok := m.clients[name]
	if !ok {
		return fmt.Errorf("unknown exchange: %s", name)
	}
	delay := m.retryConfig.InitialDel
	for attempt := 0; attempt <= m.retryConfig.MaxRetries; attempt++ {
		if client.Connected() {
			return nil
		}
		log.Debug().Str("exchange", name).Int("attempt", attempt).
			Int64("delay_ms", delay.Milliseconds()).Msg("waiting for websocket")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		// 指数退避：每次重试延迟翻倍，但不超过最大延迟
		delay *= 2
		if delay > m.retryConfig.MaxDelay {
			delay = m.retryConfig.MaxDelay
		}
	}
	if client.Connected() {
		return nil
	}
	return fmt.Errorf("%s: %w", name, ErrNotConnected)
}

// Transport 获取指定交易所的 transport
func (m *WebSocketManager) Transport(name string) (transport.Client, bool) {
	c, ok := m.clients[name]
	return c, ok
}

// Primary 返回第一个初始化成功的 transport
func (m *WebSocketManager) Primary() (transport.Client, bool) {
	if len(m.order) == 0 {
		return nil, false
	}
	return m.clients[m.order[0]], true
}

// Names 返回已初始化的交易所名称
func (m *WebSocketManager) Names() []string {
	return append([]string(nil), m.order...)
}

func (m *WebSocketManager) Close() error {
	var errs []error
	for _, name := range m.order {
		if err := m.clients[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

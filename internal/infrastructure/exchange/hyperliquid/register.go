package hyperliquid

import (
	"hlstream/internal/infrastructure/transport"
)

// init() 自动注册 Hyperliquid transport factory
func init() {
	transport.Register(transport.ExchangeHyperliquid, func(cfg transport.ExchangeConfig) transport.Client {
		return NewClient(Config{
			URL:              cfg.WsURL,
			SubscribeTimeout: cfg.SubscribeTimeout,
			PingInterval:     cfg.PingInterval,
		})
	})
}

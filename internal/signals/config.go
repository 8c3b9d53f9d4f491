package signals

import (
	"strings"
	"time"

	"ZKGuard-Chain/internal/config"
)

// FromConfig 按配置装配信号注册表。gas 为空时跳过 gas 价格信号。
func FromConfig(cfg config.SignalsConfig, gas GasPricer, opts ...Option) (*Registry, error) {
	opts = append([]Option{WithTimeout(time.Duration(cfg.CollectTimeoutMilli) * time.Millisecond)}, opts...)
	reg := NewRegistry(opts...)
	if cfg.GasPrice && gas != nil {
		if err := reg.Register(NewGasPriceProvider(gas)); err != nil {
			return nil, err
		}
	}
	if url := strings.TrimSpace(cfg.TelemetryURL); url != "" {
		if err := reg.Register(NewTelemetryProvider(url, time.Duration(cfg.TimeoutSeconds)*time.Second)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

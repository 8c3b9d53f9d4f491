package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ZKGuard-Chain/internal/policy"
)

// GasPricer 是 gas 价格来源，web3 客户端满足该接口。
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasPriceProvider 以 wei 为单位提供当前 gas 价格。
type GasPriceProvider struct {
	source GasPricer
}

// NewGasPriceProvider 创建 gas 价格信号。
func NewGasPriceProvider(source GasPricer) *GasPriceProvider {
	return &GasPriceProvider{source: source}
}

func (p *GasPriceProvider) Name() string { return policy.SignalGasPrice }

func (p *GasPriceProvider) Fetch(ctx context.Context) (any, error) {
	price, err := p.source.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("invalid gas price %v", price)
	}
	return price, nil
}

// TelemetryProvider 通过 HTTP 拉取赎回遥测。
type TelemetryProvider struct {
	url     string
	client  *http.Client
	retries uint64
}

// NewTelemetryProvider 创建遥测信号，timeout 为单次请求超时。
func NewTelemetryProvider(url string, timeout time.Duration) *TelemetryProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TelemetryProvider{url: strings.TrimSpace(url), client: &http.Client{Timeout: timeout}, retries: 2}
}

func (p *TelemetryProvider) Name() string { return policy.SignalRedemptionTelemetry }

func (p *TelemetryProvider) Fetch(ctx context.Context) (any, error) {
	var telemetry policy.RedemptionTelemetry
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode))
		}
		var decoded policy.RedemptionTelemetry
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decode telemetry: %w", err))
		}
		if decoded.GlobalRate < 0 || decoded.GlobalRate > 1 {
			return backoff.Permanent(fmt.Errorf("global rate %v out of range", decoded.GlobalRate))
		}
		telemetry = decoded
		return nil
	}
	policyBackoff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(100*time.Millisecond)), p.retries),
		ctx,
	)
	if err := backoff.Retry(operation, policyBackoff); err != nil {
		return nil, err
	}
	return telemetry, nil
}

// Static 提供固定信号值，用于开发与测试。
type Static struct {
	name  string
	value any
	err   error
}

// NewStatic 创建固定值信号。
func NewStatic(name string, value any) *Static {
	return &Static{name: name, value: value}
}

// NewFailing 创建始终失败的信号，用于验证 fail-open 行为。
func NewFailing(name string, err error) *Static {
	return &Static{name: name, err: err}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Fetch(context.Context) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.value, nil
}

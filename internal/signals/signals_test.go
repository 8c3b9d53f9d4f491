package signals

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZKGuard-Chain/internal/config"
	"ZKGuard-Chain/internal/policy"
)

type fixedGas struct{ price *big.Int }

func (f fixedGas) SuggestGasPrice(context.Context) (*big.Int, error) { return f.price, nil }

type slowProvider struct{}

func (slowProvider) Name() string { return "slow" }
func (slowProvider) Fetch(ctx context.Context) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCollectDropsFailedSignals(t *testing.T) {
	reg := NewRegistry(WithTimeout(50 * time.Millisecond))
	require.NoError(t, reg.Register(NewGasPriceProvider(fixedGas{price: big.NewInt(30_000_000_000)})))
	require.NoError(t, reg.Register(NewFailing(policy.SignalRedemptionTelemetry, errors.New("down"))))
	require.NoError(t, reg.Register(slowProvider{}))
	assert.Error(t, reg.Register(NewStatic("slow", 1)))

	snapshot := reg.Collect(context.Background())
	assert.Equal(t, []string{"gas_price"}, snapshot.Names())
	price, ok := snapshot.BigInt(policy.SignalGasPrice)
	require.True(t, ok)
	assert.Equal(t, int64(30_000_000_000), price.Int64())
	assert.Equal(t, []string{"gas_price", policy.SignalRedemptionTelemetry, "slow"}, reg.Names())
}

func TestTelemetryProviderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"globalRate":0.12,"userRates":{"0xAbC":0.9},"flaggedUsers":["0xdef"]}`))
	}))
	defer srv.Close()

	value, err := NewTelemetryProvider(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	telemetry := value.(policy.RedemptionTelemetry)
	assert.InDelta(t, 0.12, telemetry.GlobalRate, 1e-9)
	rate, ok := telemetry.UserRate("0xabc")
	assert.True(t, ok)
	assert.InDelta(t, 0.9, rate, 1e-9)
	assert.True(t, telemetry.Flagged("0xDEF"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelemetryProviderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewTelemetryProvider(srv.URL, time.Second).Fetch(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelemetryRejectsOutOfRangeRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"globalRate":1.5}`))
	}))
	defer srv.Close()
	_, err := NewTelemetryProvider(srv.URL, time.Second).Fetch(context.Background())
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(config.SignalsConfig{GasPrice: true, TelemetryURL: "http://127.0.0.1:1/telemetry"}, fixedGas{price: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{policy.SignalGasPrice, policy.SignalRedemptionTelemetry}, reg.Names())

	reg, err = FromConfig(config.SignalsConfig{GasPrice: true}, nil)
	require.NoError(t, err)
	assert.Empty(t, reg.Names())
}

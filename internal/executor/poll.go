package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"ZKGuard-Chain/internal/userop"
)

var errReceiptPending = errors.New("receipt not yet available")

// pollReceipt 以固定间隔查询回执，最多 attempts 次。传输错误视为尚未可用。
// 返回 (nil, attempts, nil) 表示轮询耗尽。
func pollReceipt(ctx context.Context, bundler Bundler, hash common.Hash, interval time.Duration, attempts int, log *slog.Logger) (*userop.Receipt, int, error) {
	var (
		receipt *userop.Receipt
		made    int
	)
	operation := func() error {
		made++
		r, err := bundler.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			log.Debug("查询回执失败，稍后重试", slog.String("user_op_hash", hash.Hex()), slog.Int("attempt", made), slog.Any("error", err))
			return errReceiptPending
		}
		if r == nil {
			return errReceiptPending
		}
		receipt = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	err := backoff.Retry(operation, b)
	if receipt != nil {
		return receipt, made, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, made, ctxErr
	}
	if err != nil && !errors.Is(err, errReceiptPending) {
		return nil, made, err
	}
	return nil, made, nil
}

package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

type RetryConfig struct {
	// MaxRetries 为首次调用之外的最多重试次数。
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryingChatModel 对瞬时失败做有界指数退避重试，耗尽后返回最后一次错误。
type RetryingChatModel struct {
	inner  model.BaseChatModel
	cfg    RetryConfig
	logger *zap.Logger
}

var _ model.BaseChatModel = (*RetryingChatModel)(nil)

func NewRetryingChatModel(inner model.BaseChatModel, cfg RetryConfig, logger *zap.Logger) *RetryingChatModel {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingChatModel{inner: inner, cfg: cfg, logger: logger}
}

func (m *RetryingChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return retry(ctx, m, func() (*schema.Message, error) {
		return m.inner.Generate(ctx, input, opts...)
	})
}

func (m *RetryingChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return retry(ctx, m, func() (*schema.StreamReader[*schema.Message], error) {
		return m.inner.Stream(ctx, input, opts...)
	})
}

func retry[T any](ctx context.Context, m *RetryingChatModel, call func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialInterval
	bo.MaxInterval = m.cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		out, err := call()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return out, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("llm call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}

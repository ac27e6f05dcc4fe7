package agent

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer 在每次规划/总结的模型调用前等待，控制对模型服务的请求速率。
type Pacer interface {
	Wait(ctx context.Context) error
}

type noPacer struct{}

func (noPacer) Wait(ctx context.Context) error { return ctx.Err() }

// RatePacer 保证相邻两次调用至少间隔 interval，首次调用不等待。
type RatePacer struct {
	limiter *rate.Limiter
}

// NewPacer interval<=0 时返回不限速的 Pacer。
func NewPacer(interval time.Duration) Pacer {
	if interval <= 0 {
		return noPacer{}
	}
	return &RatePacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *RatePacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

package service

import (
	"context"
	"time"
)

const jitterRatio = 0.2

// Backoff 第 attempt 次失败后的等待时间：min(cap, base*2^(attempt-1))，再加最多 20% 的抖动
// r 为 [0,1) 的随机数
func Backoff(attempt int, base, cap time.Duration, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := cap
	if attempt <= 32 {
		if exp := base << uint(attempt-1); exp > 0 && exp < cap {
			d = exp
		}
	}
	return d + time.Duration(float64(d)*jitterRatio*r)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

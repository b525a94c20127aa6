package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetryCount = 10
	DefaultRetryDelay    = 3 * time.Second
)

// RetryPolicy 固定间隔的有界重试：首次尝试之外最多 MaxRetryCount 次重试
type RetryPolicy struct {
	MaxRetryCount int
	RetryDelay    time.Duration
}

// DefaultRetryPolicy 默认策略：10 次重试，间隔 3 秒
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetryCount: DefaultMaxRetryCount, RetryDelay: DefaultRetryDelay}
}

// NewBackOff 为一条重试链创建独立的 BackOff；返回 backoff.Stop 表示次数耗尽。
// BackOff 不是并发安全的，同一条链上的尝试是串行的。
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	retries := p.MaxRetryCount
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.RetryDelay), uint64(retries))
}

// Attempts 一条链最多执行的尝试次数
func (p RetryPolicy) Attempts() int {
	if p.MaxRetryCount < 0 {
		return 1
	}
	return p.MaxRetryCount + 1
}

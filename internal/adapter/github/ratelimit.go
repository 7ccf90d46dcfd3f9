package github

import (
	"sync"
	"time"

	"github.com/google/go-github/v53/github"

	"github-star-miner/internal/domain"
	"github-star-miner/internal/metrics"
)

// RateTracker 进程内共享的限流状态，按 token 作用域分别记录
// 每次远程调用后由 Fetcher 写入，调用前读取以决定是否等待
type RateTracker struct {
	mu     sync.Mutex
	scopes map[string]domain.RateLimitStatus
}

// NewRateTracker 创建空的限流状态表
func NewRateTracker() *RateTracker {
	return &RateTracker{scopes: make(map[string]domain.RateLimitStatus)}
}

// Observe 记录一次响应携带的配额信息，没有限流头的响应被忽略
func (t *RateTracker) Observe(scope string, r github.Rate) {
	if r.Limit == 0 && r.Reset.Time.IsZero() {
		return
	}
	t.mu.Lock()
	t.scopes[scope] = domain.RateLimitStatus{
		Limit:     r.Limit,
		Remaining: r.Remaining,
		Reset:     r.Reset.Time,
	}
	t.mu.Unlock()
	metrics.GitHubRateLimitRemaining.Set(float64(r.Remaining))
}

// Get 返回最近一次观测到的状态
func (t *RateTracker) Get(scope string) (domain.RateLimitStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.scopes[scope]
	return st, ok
}

// WaitFor 返回在 now 时刻发起调用前需要等待的时长，配额充足时为 0
func (t *RateTracker) WaitFor(scope string, now time.Time) time.Duration {
	st, ok := t.Get(scope)
	if !ok || st.Remaining > 0 || !now.Before(st.Reset) {
		return 0
	}
	return st.Reset.Sub(now)
}

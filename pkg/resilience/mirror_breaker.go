// Package resilience wraps gobreaker with the trip policy used for provider APIs.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"mirror_server/pkg/logger"
)

// ErrCircuitOpen is returned when the breaker rejects a call without trying it.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	Name                string
	MaxHalfOpenRequests uint32        // Half-open 상태에서 허용할 요청 수
	Interval            time.Duration // Closed 상태에서 카운터 리셋 간격
	OpenTimeout         time.Duration // Open 상태 유지 시간 (이후 Half-open)
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultBreakerConfig returns the provider defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxHalfOpenRequests: 3,
		Interval:            60 * time.Second,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.6,
	}
}

// Breaker guards calls to one remote service.
// Errors classified as caller faults pass through without counting as failures.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker. callerFault may be nil, in which case every error counts.
func NewBreaker(cfg BreakerConfig, callerFault func(error) bool) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 연속 실패 또는 최소 요청 이후 실패율 초과
			if counts.ConsecutiveFailures > cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// 클라이언트 오류(400/401/403/404)는 실패로 세지 않음
		IsSuccessful: func(err error) bool {
			return err == nil || (callerFault != nil && callerFault(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls currently fail fast.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

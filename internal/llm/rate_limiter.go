package llm

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter - два token bucket: запросы в минуту и токены в час.
type RateLimiter struct {
	requestsPerMinute int
	tokensPerHour     int
	now               func() time.Time

	requestMu        sync.Mutex
	requestTokens    float64
	requestLastCheck time.Time

	tokenMu        sync.Mutex
	tokenBudget    float64
	tokenLastCheck time.Time
}

func NewRateLimiter(requestsPerMinute, tokensPerHour int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 20
	}
	if tokensPerHour <= 0 {
		tokensPerHour = 90000
	}

	now := time.Now()
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		tokensPerHour:     tokensPerHour,
		now:               time.Now,
		requestTokens:     float64(requestsPerMinute),
		requestLastCheck:  now,
		tokenBudget:       float64(tokensPerHour),
		tokenLastCheck:    now,
	}
}

func (rl *RateLimiter) refillRequestTokens() {
	now := rl.now()
	rl.requestTokens += now.Sub(rl.requestLastCheck).Minutes() * float64(rl.requestsPerMinute)
	if limit := float64(rl.requestsPerMinute); rl.requestTokens > limit {
		rl.requestTokens = limit
	}
	rl.requestLastCheck = now
}

func (rl *RateLimiter) refillTokenBudget() {
	now := rl.now()
	rl.tokenBudget += now.Sub(rl.tokenLastCheck).Hours() * float64(rl.tokensPerHour)
	if limit := float64(rl.tokensPerHour); rl.tokenBudget > limit {
		rl.tokenBudget = limit
	}
	rl.tokenLastCheck = now
}

// AllowRequest списывает один запрос или сообщает, что лимит исчерпан.
func (rl *RateLimiter) AllowRequest() error {
	rl.requestMu.Lock()
	defer rl.requestMu.Unlock()

	rl.refillRequestTokens()

	if rl.requestTokens < 1 {
		return fmt.Errorf("превышен лимит запросов (%d RPM), повторите через %v",
			rl.requestsPerMinute, time.Minute/time.Duration(rl.requestsPerMinute))
	}

	rl.requestTokens--
	return nil
}

// AllowTokens резервирует tokens из часового бюджета.
func (rl *RateLimiter) AllowTokens(tokens int) error {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	rl.refillTokenBudget()

	if rl.tokenBudget < float64(tokens) {
		missing := float64(tokens) - rl.tokenBudget
		wait := time.Duration(missing / float64(rl.tokensPerHour) * float64(time.Hour))
		return fmt.Errorf("превышен лимит токенов (%d TPH): нужно %d, доступно %d, повторите через %v",
			rl.tokensPerHour, tokens, int(rl.tokenBudget), wait.Round(time.Second))
	}

	rl.tokenBudget -= float64(tokens)
	return nil
}

// ConsumeTokens списывает токены, израсходованные сверх оценки.
func (rl *RateLimiter) ConsumeTokens(tokens int) {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	rl.tokenBudget -= float64(tokens)
	if rl.tokenBudget < 0 {
		rl.tokenBudget = 0
	}
}

func (rl *RateLimiter) GetStats() (requestsAvailable int, tokensAvailable int) {
	rl.requestMu.Lock()
	rl.refillRequestTokens()
	requestsAvailable = int(rl.requestTokens)
	rl.requestMu.Unlock()

	rl.tokenMu.Lock()
	rl.refillTokenBudget()
	tokensAvailable = int(rl.tokenBudget)
	rl.tokenMu.Unlock()

	return
}

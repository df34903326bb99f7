package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-pool/internal/beacon"
)

// DefaultExpiryCheckInterval задаёт период фоновой проверки истечения раунда.
const DefaultExpiryCheckInterval = time.Minute

// StartExpiryChecks периодически проверяет, не истёк ли активный раунд, независимо
// от пользовательских запросов. Блокируется до отмены ctx.
func (s *Service) StartExpiryChecks(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultExpiryCheckInterval
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			s.checkExpiry(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule expiry check: %w", err)
	}

	sched.Start()
	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// checkExpiry выполняет одну фоновую проверку. Если маяк ответил 429 с Retry-After,
// следующие проверки пропускаются до истечения указанной паузы.
func (s *Service) checkExpiry(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := s.clock.Now()
	if now.UnixNano() < s.expiryPausedUntil.Load() {
		return
	}

	_, err := s.GetActiveRound(ctx)
	if err == nil {
		return
	}

	var rl *beacon.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		s.expiryPausedUntil.Store(now.Add(rl.RetryAfter).UnixNano())
		s.logger.Warn("beacon rate limited, expiry check paused",
			zap.Duration("retryAfter", rl.RetryAfter),
			zap.Error(err),
		)
		return
	}
	s.logger.Error("expiry check failed", zap.Error(err))
}

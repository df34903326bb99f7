// Package service реализует жизненный цикл раундов, распределение билетов и выбор победителя.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
	"github.com/mmeshcher/lottery-pool/internal/repository"
)

var (
	// ErrInvalidAmount возвращается для неположительной или слишком большой суммы депозита.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrRoundIntegrity возвращается при нарушении разбиения билетов раунда.
	// Переход раунда прерывается и не должен повторяться автоматически.
	ErrRoundIntegrity = errors.New("round integrity violation")
	// ErrNoAllocationFound возвращается, если выигрышный билет не принадлежит ни одному интервалу.
	ErrNoAllocationFound = errors.New("no allocation found for ticket")
	// ErrStoreUnavailable оборачивает отказы хранилища. Операцию можно повторить целиком.
	ErrStoreUnavailable = errors.New("store unavailable")
)

const (
	// DefaultRoundDuration задаёт длительность раунда по умолчанию.
	DefaultRoundDuration = 72 * time.Hour
	// DefaultHistoryLimit задаёт размер истории раундов по умолчанию.
	DefaultHistoryLimit = 10
	// MaxHistoryLimit ограничивает размер истории раундов.
	MaxHistoryLimit = 100
)

// Store описывает контракт хранилища раундов и баланса пользователей.
type Store interface {
	Close() error
	WithTx(ctx context.Context, fn func(tx repository.Tx) error) error
	BalanceOf(ctx context.Context, userID int64) (money.Amount, error)
	RoundParticipation(ctx context.Context, roundID, userID int64) (int64, int64, error)
	ListEndedRounds(ctx context.Context, limit int) ([]model.HistoryEntry, error)
	UserStats(ctx context.Context, userID int64) (model.UserStats, error)
}

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service содержит бизнес-логику розыгрышей.
type Service struct {
	store         Store
	logger        *zap.Logger
	clock         Clock
	selector      *Selector
	rates         Rates
	roundDuration time.Duration
	maxDeposit    money.Amount
	metrics       *Metrics

	// expiryPausedUntil хранит момент (unix nano), до которого фоновая проверка пропускается.
	expiryPausedUntil atomic.Int64
}

// Option настраивает Service.
type Option func(*Service)

// WithClock задаёт источник времени.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRNG задаёт источник случайности для выбора победителя.
func WithRNG(rng RNG) Option {
	return func(s *Service) { s.selector = NewSelector(rng) }
}

// WithRates задаёт курс билетов и доли распределения депозита.
func WithRates(r Rates) Option {
	return func(s *Service) { s.rates = r }
}

// WithRoundDuration задаёт длительность новых раундов.
func WithRoundDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.roundDuration = d
		}
	}
}

// WithMaxDeposit ограничивает сумму одного депозита. Ноль снимает ограничение.
func WithMaxDeposit(a money.Amount) Option {
	return func(s *Service) { s.maxDeposit = a }
}

// WithMetrics задаёт набор метрик сервиса.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService создаёт новый сервис поверх указанного хранилища.
func NewService(store Store, logger *zap.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		store:         store,
		logger:        logger,
		clock:         systemClock{},
		selector:      NewSelector(LocalRNG{}),
		rates:         DefaultRates,
		roundDuration: DefaultRoundDuration,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.rates.Validate(); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	return s, nil
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// GetCurrentRoundView возвращает состояние активного раунда для пользователя.
// Истёкший раунд при этом закрывается и заменяется новым.
func (s *Service) GetCurrentRoundView(ctx context.Context, userID int64) (*model.RoundView, error) {
	round, err := s.GetActiveRound(ctx)
	if err != nil {
		return nil, err
	}

	participants, mine, err := s.store.RoundParticipation(ctx, round.ID, userID)
	if err != nil {
		return nil, storeErr(err)
	}

	balance, err := s.store.BalanceOf(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}

	return &model.RoundView{
		RoundID:          round.ID,
		StartTime:        round.StartTime,
		EndTime:          round.EndTime,
		PoolAmount:       round.PoolAmount,
		TotalTickets:     round.TotalTickets,
		ParticipantCount: participants,
		MyTickets:        mine,
		Status:           round.Status,
		UserBalance:      balance,
	}, nil
}

// GetRoundHistory возвращает последние завершённые раунды.
func (s *Service) GetRoundHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	history, err := s.store.ListEndedRounds(ctx, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return history, nil
}

// GetUserStats возвращает статистику участия пользователя.
func (s *Service) GetUserStats(ctx context.Context, userID int64) (*model.UserStats, error) {
	stats, err := s.store.UserStats(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return &stats, nil
}

// storeErr оставляет доменные ошибки как есть, остальные помечает как ErrStoreUnavailable.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrRoundIntegrity),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
	"github.com/mmeshcher/lottery-pool/internal/repository"
)

// Rates задаёт курс билетов и распределение депозита между пулом и резервом.
// Остаток депозита после пула и резерва остаётся платформе.
type Rates struct {
	TicketsPerUnit int64
	PoolBps        int64
	ReserveBps     int64
}

// DefaultRates: 100 билетов за единицу, 60% в пул, 5% в резерв следующего раунда.
var DefaultRates = Rates{
	TicketsPerUnit: 100,
	PoolBps:        6000,
	ReserveBps:     500,
}

// Validate проверяет, что доли не превышают сумму депозита.
func (r Rates) Validate() error {
	if r.TicketsPerUnit <= 0 {
		return fmt.Errorf("tickets per unit must be positive, got %d", r.TicketsPerUnit)
	}
	if r.PoolBps < 0 || r.ReserveBps < 0 || r.PoolBps+r.ReserveBps > money.BasisPoints {
		return fmt.Errorf("invalid split: pool %d bps, reserve %d bps", r.PoolBps, r.ReserveBps)
	}
	return nil
}

// Split делит депозит на билеты, долю пула, долю резерва и долю платформы.
// toPool + toReserve + toPlatform == amount.
func (r Rates) Split(amount money.Amount) (tickets int64, toPool, toReserve, toPlatform money.Amount) {
	tickets = amount.Tickets(r.TicketsPerUnit)
	toPool = amount.Share(r.PoolBps)
	toReserve = amount.Share(r.ReserveBps)
	toPlatform = amount - toPool - toReserve
	return tickets, toPool, toReserve, toPlatform
}

// errRoundNotOpen сигнализирует, что депозит нужно повторить после смены раунда.
var errRoundNotOpen = errors.New("round is not open for deposits")

const maxDepositAttempts = 3

// MakeDeposit списывает сумму с баланса пользователя и выдаёт ему интервал билетов
// в активном раунде. Депозит никогда не принимается в истёкший раунд: сначала раунд
// закрывается, затем депозит выполняется в новом раунде.
func (s *Service) MakeDeposit(ctx context.Context, userID int64, amount money.Amount) (*model.DepositResult, error) {
	if amount <= 0 || (s.maxDeposit > 0 && amount > s.maxDeposit) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	for attempt := 0; attempt < maxDepositAttempts; attempt++ {
		var res *model.DepositResult

		err := s.store.WithTx(ctx, func(tx repository.Tx) error {
			round, err := tx.ActiveRoundForUpdate(ctx)
			if err != nil {
				return err
			}
			if round == nil || round.Expired(s.clock.Now()) {
				return errRoundNotOpen
			}

			res, err = s.allocate(ctx, tx, round, userID, amount)
			return err
		})

		if errors.Is(err, errRoundNotOpen) {
			if _, err := s.GetActiveRound(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}

		s.metrics.deposits.Inc()
		s.metrics.depositVolume.Add(amount.Float64())
		s.metrics.ticketsIssued.Add(float64(res.Tickets))
		s.logger.Debug("deposit accepted",
			zap.Int64("userID", userID),
			zap.Int64("roundID", res.RoundID),
			zap.String("amount", amount.String()),
			zap.Int64("ticketStart", res.Allocation.TicketStart),
			zap.Int64("ticketEnd", res.Allocation.TicketEnd),
		)
		return res, nil
	}

	return nil, fmt.Errorf("%w: round rotated %d times during deposit", ErrStoreUnavailable, maxDepositAttempts)
}

// allocate выполняет депозит против заблокированного раунда: списывает баланс,
// выдаёт интервал [totalTickets, totalTickets+tickets) и увеличивает пул и резерв.
func (s *Service) allocate(ctx context.Context, tx repository.Tx, round *model.Round, userID int64, amount money.Amount) (*model.DepositResult, error) {
	newBalance, err := tx.Debit(ctx, userID, amount)
	if err != nil {
		return nil, err
	}

	tickets, toPool, toReserve, toPlatform := s.rates.Split(amount)

	dep := model.Deposit{
		ID:         uuid.New(),
		RoundID:    round.ID,
		UserID:     userID,
		Amount:     amount,
		Tickets:    tickets,
		ToPool:     toPool,
		ToReserve:  toReserve,
		ToPlatform: toPlatform,
		CreatedAt:  s.clock.Now(),
	}
	alloc := dep.Allocation(round.TotalTickets)

	if err := tx.AppendAllocation(ctx, dep, alloc); err != nil {
		return nil, err
	}

	round.PoolAmount += toPool
	round.CarryoverReserve += toReserve
	round.TotalTickets = alloc.TicketEnd

	return &model.DepositResult{
		DepositID:  dep.ID,
		RoundID:    round.ID,
		Amount:     amount,
		Tickets:    tickets,
		ToPool:     toPool,
		ToReserve:  toReserve,
		NewBalance: newBalance,
		Allocation: alloc,
	}, nil
}

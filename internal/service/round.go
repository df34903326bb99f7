package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
	"github.com/mmeshcher/lottery-pool/internal/repository"
)

// GetActiveRound возвращает активный раунд. Если раунда нет, он создаётся.
// Если раунд истёк, он закрывается с розыгрышем и возвращается уже новый раунд.
//
// Активный раунд блокируется в хранилище на время транзакции, поэтому параллельные
// вызовы на истёкшем раунде выполняют закрытие ровно один раз: остальные дожидаются
// его завершения и получают открытый следующий раунд.
func (s *Service) GetActiveRound(ctx context.Context) (*model.Round, error) {
	var (
		round  *model.Round
		closed *model.Round
	)

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		round, closed, err = s.activeRound(ctx, tx)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRoundIntegrity) {
			s.metrics.integrityViolations.Inc()
		}
		return nil, storeErr(err)
	}

	if closed != nil {
		s.observeClosed(closed, round)
	}
	return round, nil
}

// activeRound возвращает заблокированный активный раунд, при необходимости создавая его
// или закрывая истёкший. Второе значение содержит раунд, закрытый в этой транзакции.
func (s *Service) activeRound(ctx context.Context, tx repository.Tx) (*model.Round, *model.Round, error) {
	round, err := tx.ActiveRoundForUpdate(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()

	if round == nil {
		prev, err := tx.LastEndedRound(ctx)
		if err != nil {
			return nil, nil, err
		}

		var seed money.Amount
		if prev != nil {
			seed = prev.CarryoverReserve
		}

		round, err = s.openRound(ctx, tx, now, seed)
		return round, nil, err
	}

	if !round.Expired(now) {
		return round, nil, nil
	}

	if err := s.closeRound(ctx, tx, round, now); err != nil {
		return nil, nil, err
	}

	next, err := s.openRound(ctx, tx, now, round.CarryoverReserve)
	if err != nil {
		return nil, nil, err
	}
	return next, round, nil
}

func (s *Service) openRound(ctx context.Context, tx repository.Tx, now time.Time, seed money.Amount) (*model.Round, error) {
	return tx.CreateRound(ctx, model.Round{
		StartTime:  now,
		EndTime:    now.Add(s.roundDuration),
		PoolAmount: seed,
		Status:     model.RoundStatusActive,
	})
}

// closeRound разыгрывает пул раунда, начисляет приз победителю и помечает раунд завершённым.
// Раунд без билетов завершается без победителя и без выплаты.
func (s *Service) closeRound(ctx context.Context, tx repository.Tx, round *model.Round, now time.Time) error {
	if round.TotalTickets > 0 {
		allocs, err := tx.Allocations(ctx, round.ID)
		if err != nil {
			return err
		}

		draw, err := s.selector.SelectWinner(ctx, round, allocs)
		if err != nil {
			if errors.Is(err, ErrRoundIntegrity) {
				fields := []zap.Field{
					zap.Int64("roundID", round.ID),
					zap.Int64("totalTickets", round.TotalTickets),
					zap.Int("allocations", len(allocs)),
				}
				if draw.Drawn {
					fields = append(fields, zap.Int64("ticket", draw.Ticket), zap.String("drawSource", draw.Source))
				}
				s.logger.Error("round integrity violation, transition aborted", append(fields, zap.Error(err))...)
			}
			return err
		}

		prize := round.PoolAmount
		if _, err := tx.Credit(ctx, draw.UserID, prize); err != nil {
			return err
		}

		round.WinnerUserID = &draw.UserID
		round.WinnerPrize = &prize
		round.WinningTicket = &draw.Ticket
		round.DrawSource = draw.Source
	}

	round.Status = model.RoundStatusEnded
	round.EndedAt = &now

	return tx.CloseRound(ctx, round)
}

func (s *Service) observeClosed(closed, next *model.Round) {
	if closed.WinnerUserID == nil {
		s.metrics.roundsClosed.WithLabelValues(outcomeEmpty).Inc()
		s.logger.Info("round ended without tickets",
			zap.Int64("roundID", closed.ID),
			zap.Int64("nextRoundID", next.ID),
		)
		return
	}

	s.metrics.roundsClosed.WithLabelValues(outcomeWinner).Inc()
	s.metrics.prizesPaid.Add(closed.WinnerPrize.Float64())
	s.logger.Info("round ended",
		zap.Int64("roundID", closed.ID),
		zap.Int64("winnerUserID", *closed.WinnerUserID),
		zap.String("prize", closed.WinnerPrize.String()),
		zap.Int64("winningTicket", *closed.WinningTicket),
		zap.String("drawSource", closed.DrawSource),
		zap.Int64("nextRoundID", next.ID),
	)
}

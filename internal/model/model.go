// Package model содержит доменные сущности сервиса розыгрышей.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/lottery-pool/internal/money"
)

// RoundStatus описывает статус раунда.
type RoundStatus string

const (
	RoundStatusActive RoundStatus = "active"
	RoundStatusEnded  RoundStatus = "ended"
)

// DrawSourceLocal обозначает розыгрыш на локальном генераторе случайных чисел.
const DrawSourceLocal = "local"

// Round описывает один цикл розыгрыша.
type Round struct {
	ID               int64
	StartTime        time.Time
	EndTime          time.Time
	PoolAmount       money.Amount
	CarryoverReserve money.Amount
	TotalTickets     int64
	Status           RoundStatus
	WinnerUserID     *int64
	WinnerPrize      *money.Amount
	WinningTicket    *int64
	DrawSource       string
	EndedAt          *time.Time
}

// Expired сообщает, истёк ли раунд к моменту now.
func (r *Round) Expired(now time.Time) bool {
	return !now.Before(r.EndTime)
}

// TicketAllocation описывает полуинтервал билетов [TicketStart, TicketEnd), выданный за один депозит.
type TicketAllocation struct {
	RoundID     int64
	UserID      int64
	TicketStart int64
	TicketEnd   int64
}

// Tickets возвращает количество билетов в интервале.
func (a TicketAllocation) Tickets() int64 {
	return a.TicketEnd - a.TicketStart
}

// Contains сообщает, попадает ли билет в интервал.
func (a TicketAllocation) Contains(ticket int64) bool {
	return a.TicketStart <= ticket && ticket < a.TicketEnd
}

// Deposit хранит аудиторскую запись о депозите, один к одному с TicketAllocation.
type Deposit struct {
	ID         uuid.UUID
	RoundID    int64
	UserID     int64
	Amount     money.Amount
	Tickets    int64
	ToPool     money.Amount
	ToReserve  money.Amount
	ToPlatform money.Amount
	CreatedAt  time.Time
}

// Allocation возвращает интервал билетов депозита, начинающийся с курсора start.
func (d Deposit) Allocation(start int64) TicketAllocation {
	return TicketAllocation{
		RoundID:     d.RoundID,
		UserID:      d.UserID,
		TicketStart: start,
		TicketEnd:   start + d.Tickets,
	}
}

// DepositResult описывает результат успешного депозита.
type DepositResult struct {
	DepositID  uuid.UUID
	RoundID    int64
	Amount     money.Amount
	Tickets    int64
	ToPool     money.Amount
	ToReserve  money.Amount
	NewBalance money.Amount
	Allocation TicketAllocation
}

// RoundView описывает текущий раунд с точки зрения пользователя.
type RoundView struct {
	RoundID          int64
	StartTime        time.Time
	EndTime          time.Time
	PoolAmount       money.Amount
	TotalTickets     int64
	ParticipantCount int64
	MyTickets        int64
	Status           RoundStatus
	UserBalance      money.Amount
}

// HistoryEntry описывает завершённый раунд в истории.
type HistoryEntry struct {
	RoundID        int64
	WinnerUserID   *int64
	WinnerUsername *string
	Prize          *money.Amount
	TotalTickets   int64
	EndedAt        time.Time
}

// UserStats содержит агрегированную статистику участия пользователя.
type UserStats struct {
	TotalDeposits int64
	TotalSpent    money.Amount
	TotalWins     int64
	TotalWon      money.Amount
}

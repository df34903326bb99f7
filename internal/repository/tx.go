package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
)

// Tx описывает операции над раундами и балансами, выполняемые в одной транзакции.
// Изменения становятся видны только после успешного завершения WithTx.
type Tx interface {
	// ActiveRoundForUpdate возвращает активный раунд, блокируя его до конца транзакции.
	// Если активного раунда нет, возвращает nil без ошибки.
	ActiveRoundForUpdate(ctx context.Context) (*model.Round, error)
	// LastEndedRound возвращает последний завершённый раунд или nil.
	LastEndedRound(ctx context.Context) (*model.Round, error)
	// CreateRound сохраняет новый активный раунд и возвращает его с присвоенным идентификатором.
	CreateRound(ctx context.Context, r model.Round) (*model.Round, error)
	// Debit списывает сумму с баланса пользователя и возвращает новый баланс.
	Debit(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error)
	// Credit зачисляет сумму на баланс пользователя и возвращает новый баланс.
	Credit(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error)
	// AppendAllocation сохраняет депозит с интервалом билетов и сдвигает итоги раунда.
	AppendAllocation(ctx context.Context, d model.Deposit, a model.TicketAllocation) error
	// Allocations возвращает интервалы билетов раунда в порядке выдачи.
	Allocations(ctx context.Context, roundID int64) ([]model.TicketAllocation, error)
	// CloseRound переводит активный раунд в статус ended вместе с полями победителя.
	CloseRound(ctx context.Context, r *model.Round) error
}

type pgTx struct {
	tx pgx.Tx
}

const roundColumns = `id, start_time, end_time, pool_amount, carryover_reserve, total_tickets,
	status, winner_user_id, winner_prize, winning_ticket, draw_source, ended_at`

func scanRound(row pgx.Row) (*model.Round, error) {
	var (
		r          model.Round
		pool, rsv  int64
		status     string
		prize      *int64
		drawSource *string
	)

	err := row.Scan(&r.ID, &r.StartTime, &r.EndTime, &pool, &rsv, &r.TotalTickets,
		&status, &r.WinnerUserID, &prize, &r.WinningTicket, &drawSource, &r.EndedAt)
	if err != nil {
		return nil, err
	}

	r.PoolAmount = money.Amount(pool)
	r.CarryoverReserve = money.Amount(rsv)
	r.Status = model.RoundStatus(status)
	r.WinnerPrize = amountPtr(prize)
	if drawSource != nil {
		r.DrawSource = *drawSource
	}
	return &r, nil
}

func (t *pgTx) ActiveRoundForUpdate(ctx context.Context) (*model.Round, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE`,
		string(model.RoundStatusActive),
	)

	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select active round: %w", err)
	}
	return r, nil
}

func (t *pgTx) LastEndedRound(ctx context.Context) (*model.Round, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = $1 ORDER BY ended_at DESC, id DESC LIMIT 1`,
		string(model.RoundStatusEnded),
	)

	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select last ended round: %w", err)
	}
	return r, nil
}

func (t *pgTx) CreateRound(ctx context.Context, r model.Round) (*model.Round, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO rounds (start_time, end_time, pool_amount, carryover_reserve, total_tickets, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		r.StartTime, r.EndTime, int64(r.PoolAmount), int64(r.CarryoverReserve), r.TotalTickets, string(r.Status),
	).Scan(&r.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == singleActiveConstraint {
			return nil, ErrActiveRoundConflict
		}
		return nil, fmt.Errorf("insert round: %w", err)
	}
	return &r, nil
}

func (t *pgTx) Debit(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2 RETURNING balance`,
		userID, int64(amount),
	).Scan(&balance)
	if err == nil {
		return money.Amount(balance), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit user: %w", err)
	}

	var exists bool
	err = t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return 0, ErrUserNotFound
	}
	return 0, ErrInsufficientBalance
}

func (t *pgTx) Credit(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, int64(amount),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("credit user: %w", err)
	}
	return money.Amount(balance), nil
}

func (t *pgTx) AppendAllocation(ctx context.Context, d model.Deposit, a model.TicketAllocation) error {
	// Курсор раунда сдвигается только если он совпадает с началом интервала.
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE rounds
		 SET pool_amount = pool_amount + $2,
		     carryover_reserve = carryover_reserve + $3,
		     total_tickets = total_tickets + $4
		 WHERE id = $1 AND status = $5 AND total_tickets = $6`,
		d.RoundID, int64(d.ToPool), int64(d.ToReserve), a.Tickets(), string(model.RoundStatusActive), a.TicketStart,
	)
	if err != nil {
		return fmt.Errorf("update round totals: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return ErrStaleRound
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO deposits (id, round_id, user_id, amount, tickets, to_pool, to_reserve, to_platform, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.RoundID, d.UserID, int64(d.Amount), d.Tickets, int64(d.ToPool), int64(d.ToReserve), int64(d.ToPlatform), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO ticket_allocations (round_id, user_id, deposit_id, ticket_start, ticket_end)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.RoundID, a.UserID, d.ID, a.TicketStart, a.TicketEnd,
	)
	if err != nil {
		return fmt.Errorf("insert ticket allocation: %w", err)
	}

	return nil
}

func (t *pgTx) Allocations(ctx context.Context, roundID int64) ([]model.TicketAllocation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT round_id, user_id, ticket_start, ticket_end
		 FROM ticket_allocations
		 WHERE round_id = $1
		 ORDER BY ticket_start, id`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	var res []model.TicketAllocation
	for rows.Next() {
		var a model.TicketAllocation
		if err := rows.Scan(&a.RoundID, &a.UserID, &a.TicketStart, &a.TicketEnd); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) CloseRound(ctx context.Context, r *model.Round) error {
	var prize *int64
	if r.WinnerPrize != nil {
		v := int64(*r.WinnerPrize)
		prize = &v
	}

	var drawSource *string
	if r.DrawSource != "" {
		drawSource = &r.DrawSource
	}

	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE rounds
		 SET status = $2, winner_user_id = $3, winner_prize = $4, winning_ticket = $5, draw_source = $6, ended_at = $7
		 WHERE id = $1 AND status = $8`,
		r.ID, string(model.RoundStatusEnded), r.WinnerUserID, prize, r.WinningTicket, drawSource, r.EndedAt,
		string(model.RoundStatusActive),
	)
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return ErrActiveRoundConflict
	}
	return nil
}

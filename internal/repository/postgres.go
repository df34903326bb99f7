// Package repository содержит реализацию хранилища раундов и баланса пользователей в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrActiveRoundConflict возвращается, если активный раунд уже создан или закрыт
	// параллельной транзакцией. Транзакция повторяется целиком.
	ErrActiveRoundConflict = errors.New("active round changed concurrently")
	// ErrStaleRound возвращается, если курсор билетов раунда не совпал с прочитанным.
	ErrStaleRound = errors.New("round ticket cursor is stale")
)

const singleActiveConstraint = "rounds_single_active"

var retryDelays = []time.Duration{50 * time.Millisecond, 250 * time.Millisecond, 1 * time.Second}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrActiveRoundConflict) || errors.Is(err, ErrStaleRound) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithTx выполняет fn в одной транзакции. При конфликте с параллельной транзакцией
// fn выполняется заново, поэтому она не должна иметь побочных эффектов вне tx.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// BalanceOf возвращает текущий баланс пользователя.
func (r *PostgresRepository) BalanceOf(ctx context.Context, userID int64) (money.Amount, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return money.Amount(balance), nil
}

// RoundParticipation возвращает число участников раунда и количество билетов пользователя в нём.
func (r *PostgresRepository) RoundParticipation(ctx context.Context, roundID, userID int64) (int64, int64, error) {
	var participants, mine int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id),
		        COALESCE(SUM(ticket_end - ticket_start) FILTER (WHERE user_id = $2), 0)::BIGINT
		 FROM ticket_allocations
		 WHERE round_id = $1`,
		roundID, userID,
	).Scan(&participants, &mine)
	if err != nil {
		return 0, 0, fmt.Errorf("select participation: %w", err)
	}
	return participants, mine, nil
}

// ListEndedRounds возвращает завершённые раунды, начиная с последнего.
func (r *PostgresRepository) ListEndedRounds(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.winner_user_id, u.username, r.winner_prize, r.total_tickets, r.ended_at
		 FROM rounds r
		 LEFT JOIN users u ON u.id = r.winner_user_id
		 WHERE r.status = $1
		 ORDER BY r.ended_at DESC, r.id DESC
		 LIMIT $2`,
		string(model.RoundStatusEnded), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ended rounds: %w", err)
	}
	defer rows.Close()

	var res []model.HistoryEntry
	for rows.Next() {
		var (
			e     model.HistoryEntry
			prize *int64
		)
		if err := rows.Scan(&e.RoundID, &e.WinnerUserID, &e.WinnerUsername, &prize, &e.TotalTickets, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		e.Prize = amountPtr(prize)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UserStats возвращает статистику депозитов и выигрышей пользователя.
func (r *PostgresRepository) UserStats(ctx context.Context, userID int64) (model.UserStats, error) {
	var (
		stats        model.UserStats
		spent, total int64
	)

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0)::BIGINT FROM deposits WHERE user_id = $1`,
		userID,
	).Scan(&stats.TotalDeposits, &spent)
	if err != nil {
		return model.UserStats{}, fmt.Errorf("sum deposits: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(winner_prize), 0)::BIGINT FROM rounds WHERE winner_user_id = $1`,
		userID,
	).Scan(&stats.TotalWins, &total)
	if err != nil {
		return model.UserStats{}, fmt.Errorf("sum wins: %w", err)
	}

	stats.TotalSpent = money.Amount(spent)
	stats.TotalWon = money.Amount(total)
	return stats, nil
}

func amountPtr(v *int64) *money.Amount {
	if v == nil {
		return nil
	}
	a := money.Amount(*v)
	return &a
}

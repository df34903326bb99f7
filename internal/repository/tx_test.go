package repository

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
)

const testSchema = "repository_test"

// newTestRepository поднимает репозиторий в отдельной схеме базы из DATABASE_URI.
// Без DATABASE_URI тест пропускается.
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	ctx := context.Background()
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer admin.Close()

	_, err = admin.Exec(ctx, `DROP SCHEMA IF EXISTS `+testSchema+` CASCADE`)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, `CREATE SCHEMA `+testSchema)
	require.NoError(t, err)

	r, err := NewPostgresRepository(withSearchPath(t, dsn, testSchema))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r
}

func withSearchPath(t *testing.T, dsn, schema string) string {
	t.Helper()

	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema
	}

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

func addUser(t *testing.T, r *PostgresRepository, name string, balance money.Amount) int64 {
	t.Helper()

	var id int64
	err := r.pool.QueryRow(context.Background(),
		`INSERT INTO users (username, balance) VALUES ($1, $2) RETURNING id`,
		name, int64(balance),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func newRound(now time.Time) model.Round {
	return model.Round{
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    model.RoundStatusActive,
	}
}

func deposit(roundID, userID int64, amount money.Amount) model.Deposit {
	return model.Deposit{
		ID:         uuid.New(),
		RoundID:    roundID,
		UserID:     userID,
		Amount:     amount,
		Tickets:    amount.Tickets(100),
		ToPool:     amount.Share(6000),
		ToReserve:  amount.Share(500),
		ToPlatform: amount - amount.Share(6000) - amount.Share(500),
	}
}

func TestPgTx_RoundLifecycle(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	saved := retryDelays
	retryDelays = nil
	t.Cleanup(func() { retryDelays = saved })
	now := time.Now().UTC().Truncate(time.Microsecond)

	alice := addUser(t, r, "alice", money.MustParse("100"))
	bob := addUser(t, r, "bob", money.MustParse("5"))

	var round *model.Round
	err := r.WithTx(ctx, func(tx Tx) error {
		var err error
		round, err = tx.CreateRound(ctx, newRound(now))
		return err
	})
	require.NoError(t, err)

	err = r.WithTx(ctx, func(tx Tx) error {
		_, err := tx.CreateRound(ctx, newRound(now))
		return err
	})
	assert.ErrorIs(t, err, ErrActiveRoundConflict)

	err = r.WithTx(ctx, func(tx Tx) error {
		balance, err := tx.Debit(ctx, alice, money.MustParse("10"))
		if err != nil {
			return err
		}
		assert.Equal(t, money.MustParse("90"), balance)

		d := deposit(round.ID, alice, money.MustParse("10"))
		if err := tx.AppendAllocation(ctx, d, d.Allocation(0)); err != nil {
			return err
		}

		d = deposit(round.ID, bob, money.MustParse("2"))
		if _, err := tx.Debit(ctx, bob, d.Amount); err != nil {
			return err
		}
		return tx.AppendAllocation(ctx, d, d.Allocation(1000))
	})
	require.NoError(t, err)

	t.Run("debit errors", func(t *testing.T) {
		err := r.WithTx(ctx, func(tx Tx) error {
			_, err := tx.Debit(ctx, 9999, money.MustParse("1"))
			return err
		})
		assert.ErrorIs(t, err, ErrUserNotFound)

		err = r.WithTx(ctx, func(tx Tx) error {
			_, err := tx.Debit(ctx, bob, money.MustParse("4"))
			return err
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		balance, err := r.BalanceOf(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, money.MustParse("3"), balance)
	})

	t.Run("stale cursor is rejected", func(t *testing.T) {
		err := r.WithTx(ctx, func(tx Tx) error {
			d := deposit(round.ID, alice, money.MustParse("1"))
			return tx.AppendAllocation(ctx, d, d.Allocation(1000))
		})
		assert.ErrorIs(t, err, ErrStaleRound)
	})

	var allocs []model.TicketAllocation
	err = r.WithTx(ctx, func(tx Tx) error {
		active, err := tx.ActiveRoundForUpdate(ctx)
		if err != nil {
			return err
		}
		require.NotNil(t, active)
		assert.Equal(t, round.ID, active.ID)
		assert.Equal(t, int64(1200), active.TotalTickets)
		assert.Equal(t, money.MustParse("7.2"), active.PoolAmount)
		assert.Equal(t, money.MustParse("0.6"), active.CarryoverReserve)

		allocs, err = tx.Allocations(ctx, round.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []model.TicketAllocation{
		{RoundID: round.ID, UserID: alice, TicketStart: 0, TicketEnd: 1000},
		{RoundID: round.ID, UserID: bob, TicketStart: 1000, TicketEnd: 1200},
	}, allocs)

	participants, mine, err := r.RoundParticipation(ctx, round.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), participants)
	assert.Equal(t, int64(200), mine)

	ended := now.Add(time.Hour)
	ticket := int64(1100)
	prize := money.MustParse("7.2")
	round.Status = model.RoundStatusEnded
	round.WinnerUserID = &bob
	round.WinnerPrize = &prize
	round.WinningTicket = &ticket
	round.DrawSource = model.DrawSourceLocal
	round.EndedAt = &ended

	err = r.WithTx(ctx, func(tx Tx) error {
		return tx.CloseRound(ctx, round)
	})
	require.NoError(t, err)

	err = r.WithTx(ctx, func(tx Tx) error {
		return tx.CloseRound(ctx, round)
	})
	assert.ErrorIs(t, err, ErrActiveRoundConflict)

	err = r.WithTx(ctx, func(tx Tx) error {
		active, err := tx.ActiveRoundForUpdate(ctx)
		if err != nil {
			return err
		}
		assert.Nil(t, active)

		last, err := tx.LastEndedRound(ctx)
		if err != nil {
			return err
		}
		require.NotNil(t, last)
		assert.Equal(t, round.ID, last.ID)
		assert.Equal(t, money.MustParse("0.6"), last.CarryoverReserve)
		return nil
	})
	require.NoError(t, err)

	history, err := r.ListEndedRounds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, bob, *history[0].WinnerUserID)
	assert.Equal(t, "bob", *history[0].WinnerUsername)
	assert.Equal(t, prize, *history[0].Prize)

	stats, err := r.UserStats(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, model.UserStats{
		TotalDeposits: 1,
		TotalSpent:    money.MustParse("2"),
		TotalWins:     1,
		TotalWon:      prize,
	}, stats)
}

// Транзакция, ожидающая блокировку закрываемого раунда, после его закрытия не видит
// активного раунда, упирается в rounds_single_active и повторяется уже с новым раундом.
func TestWithTx_WaiterRetriesAfterConcurrentClose(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var first *model.Round
	err := r.WithTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.CreateRound(ctx, newRound(now))
		return err
	})
	require.NoError(t, err)

	closer, err := r.pool.Begin(ctx)
	require.NoError(t, err)
	defer closer.Rollback(ctx)

	locked, err := (&pgTx{tx: closer}).ActiveRoundForUpdate(ctx)
	require.NoError(t, err)
	require.NotNil(t, locked)

	type attempt struct {
		seen int64
		err  error
	}
	var attempts []attempt

	done := make(chan error, 1)
	go func() {
		done <- r.WithTx(ctx, func(tx Tx) error {
			round, err := tx.ActiveRoundForUpdate(ctx)
			if err != nil {
				return err
			}
			if round != nil {
				attempts = append(attempts, attempt{seen: round.ID})
				return nil
			}
			_, err = tx.CreateRound(ctx, newRound(now))
			attempts = append(attempts, attempt{err: err})
			return err
		})
	}()

	require.Eventually(t, func() bool {
		var waiting int
		err := r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM pg_stat_activity WHERE $1 = ANY(pg_blocking_pids(pid))`,
			closer.Conn().PgConn().PID(),
		).Scan(&waiting)
		return err == nil && waiting > 0
	}, 5*time.Second, 10*time.Millisecond)

	ended := now.Add(time.Hour)
	locked.Status = model.RoundStatusEnded
	locked.EndedAt = &ended
	require.NoError(t, (&pgTx{tx: closer}).CloseRound(ctx, locked))
	second, err := (&pgTx{tx: closer}).CreateRound(ctx, newRound(ended))
	require.NoError(t, err)
	require.NoError(t, closer.Commit(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting transaction did not finish")
	}

	require.Len(t, attempts, 2)
	assert.ErrorIs(t, attempts[0].err, ErrActiveRoundConflict)
	assert.Equal(t, second.ID, attempts[1].seen)
	assert.NotEqual(t, first.ID, second.ID)

	var active, closed int
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'active'), COUNT(*) FILTER (WHERE status = 'ended') FROM rounds`,
	).Scan(&active, &closed)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, closed)
}

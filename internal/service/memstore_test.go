package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
	"github.com/mmeshcher/lottery-pool/internal/repository"
)

// memStore реализует транзакционное хранилище в памяти для тестов. Транзакции выполняются
// последовательно над копией состояния и применяются только при успехе, что
// повторяет блокировку активного раунда и откат в PostgreSQL.
type memStore struct {
	mu       sync.Mutex
	state    *memState
	failWith error
	txCount  int
}

type memUser struct {
	name    string
	balance money.Amount
}

type memState struct {
	rounds   []model.Round
	allocs   map[int64][]model.TicketAllocation
	deposits []model.Deposit
	users    map[int64]memUser
}

func newMemStore() *memStore {
	return &memStore{
		state: &memState{
			allocs: make(map[int64][]model.TicketAllocation),
			users:  make(map[int64]memUser),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		rounds:   append([]model.Round(nil), st.rounds...),
		allocs:   make(map[int64][]model.TicketAllocation, len(st.allocs)),
		deposits: append([]model.Deposit(nil), st.deposits...),
		users:    make(map[int64]memUser, len(st.users)),
	}
	for id, a := range st.allocs {
		c.allocs[id] = append([]model.TicketAllocation(nil), a...)
	}
	for id, u := range st.users {
		c.users[id] = u
	}
	return c
}

func (s *memStore) addUser(id int64, name string, balance money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[id] = memUser{name: name, balance: balance}
}

func (s *memStore) snapshot() *memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *memStore) mutate(fn func(st *memState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *memStore) Close() error { return nil }

func (s *memStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	s.txCount++
	return nil
}

func (s *memStore) BalanceOf(_ context.Context, userID int64) (money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.users[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	return u.balance, nil
}

func (s *memStore) RoundParticipation(_ context.Context, roundID, userID int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make(map[int64]struct{})
	var mine int64
	for _, a := range s.state.allocs[roundID] {
		users[a.UserID] = struct{}{}
		if a.UserID == userID {
			mine += a.Tickets()
		}
	}
	return int64(len(users)), mine, nil
}

func (s *memStore) ListEndedRounds(_ context.Context, limit int) ([]model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ended []model.Round
	for _, r := range s.state.rounds {
		if r.Status == model.RoundStatusEnded {
			ended = append(ended, r)
		}
	}
	sort.Slice(ended, func(i, j int) bool {
		if !ended[i].EndedAt.Equal(*ended[j].EndedAt) {
			return ended[i].EndedAt.After(*ended[j].EndedAt)
		}
		return ended[i].ID > ended[j].ID
	})
	if len(ended) > limit {
		ended = ended[:limit]
	}

	res := make([]model.HistoryEntry, 0, len(ended))
	for _, r := range ended {
		e := model.HistoryEntry{
			RoundID:      r.ID,
			WinnerUserID: r.WinnerUserID,
			Prize:        r.WinnerPrize,
			TotalTickets: r.TotalTickets,
			EndedAt:      *r.EndedAt,
		}
		if r.WinnerUserID != nil {
			name := s.state.users[*r.WinnerUserID].name
			e.WinnerUsername = &name
		}
		res = append(res, e)
	}
	return res, nil
}

func (s *memStore) UserStats(_ context.Context, userID int64) (model.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats model.UserStats
	for _, d := range s.state.deposits {
		if d.UserID == userID {
			stats.TotalDeposits++
			stats.TotalSpent += d.Amount
		}
	}
	for _, r := range s.state.rounds {
		if r.WinnerUserID != nil && *r.WinnerUserID == userID {
			stats.TotalWins++
			stats.TotalWon += *r.WinnerPrize
		}
	}
	return stats, nil
}

type memTx struct {
	st *memState
}

func (t *memTx) roundIndex(id int64) int {
	for i := range t.st.rounds {
		if t.st.rounds[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *memTx) ActiveRoundForUpdate(context.Context) (*model.Round, error) {
	for i := len(t.st.rounds) - 1; i >= 0; i-- {
		if t.st.rounds[i].Status == model.RoundStatusActive {
			r := t.st.rounds[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memTx) LastEndedRound(context.Context) (*model.Round, error) {
	var last *model.Round
	for i := range t.st.rounds {
		r := t.st.rounds[i]
		if r.Status != model.RoundStatusEnded {
			continue
		}
		if last == nil || !r.EndedAt.Before(*last.EndedAt) {
			last = &r
		}
	}
	return last, nil
}

func (t *memTx) CreateRound(_ context.Context, r model.Round) (*model.Round, error) {
	for _, existing := range t.st.rounds {
		if existing.Status == model.RoundStatusActive {
			return nil, repository.ErrActiveRoundConflict
		}
	}
	r.ID = int64(len(t.st.rounds) + 1)
	t.st.rounds = append(t.st.rounds, r)
	return &r, nil
}

func (t *memTx) Debit(_ context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	if u.balance < amount {
		return 0, repository.ErrInsufficientBalance
	}
	u.balance -= amount
	t.st.users[userID] = u
	return u.balance, nil
}

func (t *memTx) Credit(_ context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	u.balance += amount
	t.st.users[userID] = u
	return u.balance, nil
}

func (t *memTx) AppendAllocation(_ context.Context, d model.Deposit, a model.TicketAllocation) error {
	i := t.roundIndex(d.RoundID)
	if i < 0 {
		return repository.ErrStaleRound
	}
	r := &t.st.rounds[i]
	if r.Status != model.RoundStatusActive || r.TotalTickets != a.TicketStart {
		return repository.ErrStaleRound
	}

	r.PoolAmount += d.ToPool
	r.CarryoverReserve += d.ToReserve
	r.TotalTickets += a.Tickets()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	t.st.deposits = append(t.st.deposits, d)
	t.st.allocs[d.RoundID] = append(t.st.allocs[d.RoundID], a)
	return nil
}

func (t *memTx) Allocations(_ context.Context, roundID int64) ([]model.TicketAllocation, error) {
	return append([]model.TicketAllocation(nil), t.st.allocs[roundID]...), nil
}

func (t *memTx) CloseRound(_ context.Context, r *model.Round) error {
	i := t.roundIndex(r.ID)
	if i < 0 || t.st.rounds[i].Status != model.RoundStatusActive {
		return repository.ErrActiveRoundConflict
	}
	t.st.rounds[i] = *r
	return nil
}

// Package handler содержит HTTP-обработчики API сервиса розыгрышей.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-pool/internal/middleware"
	"github.com/mmeshcher/lottery-pool/internal/model"
	"github.com/mmeshcher/lottery-pool/internal/money"
	"github.com/mmeshcher/lottery-pool/internal/repository"
	"github.com/mmeshcher/lottery-pool/internal/service"
	"github.com/mmeshcher/lottery-pool/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetCurrentRoundView(ctx context.Context, userID int64) (*model.RoundView, error)
	MakeDeposit(ctx context.Context, userID int64, amount money.Amount) (*model.DepositResult, error)
	GetRoundHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error)
	GetUserStats(ctx context.Context, userID int64) (*model.UserStats, error)
}

// Handler реализует HTTP-обработчики API сервиса розыгрышей.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	maxDeposit     money.Amount
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, maxDeposit money.Amount) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		maxDeposit:     maxDeposit,
	}
}

type roundResponse struct {
	RoundID          int64   `json:"roundId"`
	StartTime        string  `json:"startTime"`
	EndTime          string  `json:"endTime"`
	PoolAmount       float64 `json:"poolAmount"`
	TotalTickets     int64   `json:"totalTickets"`
	ParticipantCount int64   `json:"participantCount"`
	MyTickets        int64   `json:"myTickets"`
	Status           string  `json:"status"`
	UserBalance      float64 `json:"userBalance"`
}

// CurrentRound возвращает состояние активного раунда для текущего пользователя.
func (h *Handler) CurrentRound(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	view, err := h.service.GetCurrentRoundView(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get current round error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, roundResponse{
		RoundID:          view.RoundID,
		StartTime:        view.StartTime.Format(time.RFC3339),
		EndTime:          view.EndTime.Format(time.RFC3339),
		PoolAmount:       view.PoolAmount.Float64(),
		TotalTickets:     view.TotalTickets,
		ParticipantCount: view.ParticipantCount,
		MyTickets:        view.MyTickets,
		Status:           string(view.Status),
		UserBalance:      view.UserBalance.Float64(),
	})
}

type depositRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

type depositResponse struct {
	DepositID  string  `json:"depositId"`
	RoundID    int64   `json:"roundId"`
	Amount     float64 `json:"amount"`
	Tickets    int64   `json:"tickets"`
	ToPool     float64 `json:"toPool"`
	ToReserve  float64 `json:"toReserve"`
	NewBalance float64 `json:"newBalance"`
}

// Deposit принимает депозит текущего пользователя в активный раунд.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, err := validation.ParseDepositAmount(*req.Amount, h.maxDeposit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.MakeDeposit(r.Context(), userID, amount)
	if err != nil {
		h.writeError(w, err, "deposit error", zap.Int64("userID", userID), zap.String("amount", amount.String()))
		return
	}

	writeJSON(w, depositResponse{
		DepositID:  res.DepositID.String(),
		RoundID:    res.RoundID,
		Amount:     res.Amount.Float64(),
		Tickets:    res.Tickets,
		ToPool:     res.ToPool.Float64(),
		ToReserve:  res.ToReserve.Float64(),
		NewBalance: res.NewBalance.Float64(),
	})
}

type historyResponse struct {
	RoundID        int64    `json:"roundId"`
	WinnerUserID   *int64   `json:"winnerUserId"`
	WinnerUsername *string  `json:"winnerUsername"`
	Prize          *float64 `json:"prize"`
	TotalTickets   int64    `json:"totalTickets"`
	EndedAt        string   `json:"endedAt"`
}

// History возвращает последние завершённые раунды.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := h.service.GetRoundHistory(r.Context(), limit)
	if err != nil {
		h.writeError(w, err, "get round history error")
		return
	}

	resp := make([]historyResponse, 0, len(history))
	for _, e := range history {
		item := historyResponse{
			RoundID:        e.RoundID,
			WinnerUserID:   e.WinnerUserID,
			WinnerUsername: e.WinnerUsername,
			TotalTickets:   e.TotalTickets,
			EndedAt:        e.EndedAt.Format(time.RFC3339),
		}
		if e.Prize != nil {
			prize := e.Prize.Float64()
			item.Prize = &prize
		}
		resp = append(resp, item)
	}

	writeJSON(w, resp)
}

type statsResponse struct {
	TotalDeposits int64   `json:"totalDeposits"`
	TotalSpent    float64 `json:"totalSpent"`
	TotalWins     int64   `json:"totalWins"`
	TotalWon      float64 `json:"totalWon"`
}

// UserStats возвращает статистику участия текущего пользователя.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.GetUserStats(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get user stats error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, statsResponse{
		TotalDeposits: stats.TotalDeposits,
		TotalSpent:    stats.TotalSpent.Float64(),
		TotalWins:     stats.TotalWins,
		TotalWon:      stats.TotalWon.Float64(),
	})
}

// Health сообщает, что процесс принимает запросы.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeError переводит ошибку сервиса в HTTP-статус. Неожиданные ошибки логируются,
// клиент получает только текст статуса.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.Warn(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

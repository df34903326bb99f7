package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/mmeshcher/lottery-pool/internal/beacon"
	"github.com/mmeshcher/lottery-pool/internal/model"
)

// RNG выбирает равномерно распределённое число из [0, n) для раунда roundID.
// Второе значение описывает источник случайности и сохраняется в раунде для аудита.
type RNG interface {
	Uniform(ctx context.Context, roundID, n int64) (int64, string, error)
}

// LocalRNG использует генератор math/rand/v2 процесса.
type LocalRNG struct{}

// Uniform реализует RNG.
func (LocalRNG) Uniform(_ context.Context, _, n int64) (int64, string, error) {
	return rand.Int64N(n), model.DrawSourceLocal, nil
}

// BeaconSource возвращает последнее значение публичного маяка случайности.
type BeaconSource interface {
	Latest(ctx context.Context) (*beacon.Randomness, error)
}

// BeaconRNG выводит выигрышный билет из значения публичного маяка и идентификатора раунда,
// так что розыгрыш можно пересчитать по сохранённому номеру раунда маяка.
type BeaconRNG struct {
	source BeaconSource
}

// NewBeaconRNG создаёт RNG поверх маяка случайности.
func NewBeaconRNG(source BeaconSource) *BeaconRNG {
	return &BeaconRNG{source: source}
}

// Uniform реализует RNG.
func (b *BeaconRNG) Uniform(ctx context.Context, roundID, n int64) (int64, string, error) {
	latest, err := b.source.Latest(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("fetch beacon randomness: %w", err)
	}

	ticket, err := BeaconTicket(latest.Randomness, roundID, n)
	if err != nil {
		return 0, "", err
	}
	return ticket, fmt.Sprintf("beacon:%d", latest.Round), nil
}

// BeaconTicket детерминированно выводит билет из [0, n) по hex-значению маяка и раунду.
func BeaconTicket(randomness string, roundID, n int64) (int64, error) {
	raw, err := hex.DecodeString(randomness)
	if err != nil || len(raw) == 0 {
		return 0, fmt.Errorf("decode beacon randomness %q: invalid hex", randomness)
	}

	h := sha256.New()
	h.Write(raw)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(roundID))
	h.Write(id[:])

	var seed [32]byte
	copy(seed[:], h.Sum(nil))

	return rand.New(rand.NewChaCha8(seed)).Int64N(n), nil
}

// Draw описывает результат розыгрыша раунда.
type Draw struct {
	UserID int64
	Ticket int64
	Source string
	// Drawn означает, что RNG выбрал билет. До проверки разбиения и вызова RNG поле ложно.
	Drawn bool
}

// Selector выбирает победителя раунда.
type Selector struct {
	rng RNG
}

// NewSelector создаёт Selector с указанным источником случайности.
func NewSelector(rng RNG) *Selector {
	return &Selector{rng: rng}
}

// SelectWinner проверяет разбиение билетов раунда, выбирает выигрышный билет
// равномерно из [0, TotalTickets) и возвращает владельца интервала, содержащего билет.
func (s *Selector) SelectWinner(ctx context.Context, round *model.Round, allocs []model.TicketAllocation) (Draw, error) {
	if round.TotalTickets <= 0 {
		return Draw{}, fmt.Errorf("select winner for round %d: no tickets", round.ID)
	}

	if err := CheckTiling(allocs, round.TotalTickets); err != nil {
		return Draw{}, err
	}

	ticket, source, err := s.rng.Uniform(ctx, round.ID, round.TotalTickets)
	if err != nil {
		return Draw{}, err
	}

	draw := Draw{Ticket: ticket, Source: source, Drawn: true}
	if ticket < 0 || ticket >= round.TotalTickets {
		return draw, fmt.Errorf("%w: ticket %d outside [0, %d)", ErrRoundIntegrity, ticket, round.TotalTickets)
	}

	alloc, err := ResolveTicket(allocs, ticket)
	if err != nil {
		return draw, err
	}

	draw.UserID = alloc.UserID
	return draw, nil
}

// ResolveTicket находит интервал, содержащий билет. allocs должны быть отсортированы
// по TicketStart.
func ResolveTicket(allocs []model.TicketAllocation, ticket int64) (model.TicketAllocation, error) {
	i := sort.Search(len(allocs), func(i int) bool {
		return allocs[i].TicketEnd > ticket
	})
	// Пропускаем интервалы нулевой ширины, начинающиеся там же.
	for ; i < len(allocs); i++ {
		if allocs[i].Contains(ticket) {
			return allocs[i], nil
		}
		if allocs[i].TicketStart > ticket {
			break
		}
	}
	return model.TicketAllocation{}, fmt.Errorf("%w: %w: ticket %d", ErrRoundIntegrity, ErrNoAllocationFound, ticket)
}

// Package money содержит денежные суммы с фиксированной точкой.
//
// Все суммы внутри сервиса хранятся в целых микроединицах валюты, чтобы
// многократные начисления в призовой фонд не накапливали ошибку округления.
// Перевод в десятичное представление выполняется только на границе API.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale задаёт количество дробных знаков, хранимых в Amount.
const Scale = 6

// Unit равен одной единице валюты в микроединицах.
const Unit Amount = 1_000_000

// BasisPoints задаёт знаменатель долей в базисных пунктах.
const BasisPoints = 10_000

var (
	// ErrTooPrecise возвращается, если сумма содержит больше Scale дробных знаков.
	ErrTooPrecise = errors.New("amount has too many fractional digits")
	// ErrOutOfRange возвращается, если сумма не помещается в int64 микроединиц.
	ErrOutOfRange = errors.New("amount out of range")
)

// Amount хранит денежную сумму в микроединицах.
type Amount int64

// FromDecimal переводит десятичную сумму в микроединицы без потери точности.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return Amount(bi.Int64()), nil
}

// MustParse разбирает строку с десятичной суммой. Используется для констант и в тестах.
func MustParse(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	a, err := FromDecimal(d)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal возвращает сумму в единицах валюты.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// Float64 возвращает сумму в единицах валюты для JSON-ответов.
func (a Amount) Float64() float64 {
	return a.Decimal().InexactFloat64()
}

// String форматирует сумму в единицах валюты.
func (a Amount) String() string {
	return a.Decimal().String()
}

// Share возвращает долю суммы, заданную в базисных пунктах, с округлением вниз.
func (a Amount) Share(bps int64) Amount {
	return Amount(mulDiv(int64(a), bps, BasisPoints))
}

// Tickets возвращает floor(a * perUnit), то есть количество билетов при курсе perUnit билетов за единицу.
func (a Amount) Tickets(perUnit int64) int64 {
	return mulDiv(int64(a), perUnit, int64(Unit))
}

// mulDiv считает a * mul / div с отбрасыванием дробной части. Произведение вычисляется
// без ограничения разрядности, поэтому крупные суммы не переполняют int64.
func mulDiv(a, mul, div int64) int64 {
	q, _ := decimal.NewFromInt(a).Mul(decimal.NewFromInt(mul)).QuoRem(decimal.NewFromInt(div), 0)
	return q.IntPart()
}

// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/lottery-pool/internal/money"
)

var (
	// ErrNotPositive возвращается для нулевой или отрицательной суммы.
	ErrNotPositive = errors.New("amount must be positive")
	// ErrAboveMaximum возвращается, если сумма превышает допустимый максимум.
	ErrAboveMaximum = errors.New("amount exceeds maximum")
)

// ParseDepositAmount проверяет сумму депозита и переводит её в микроединицы.
// Сумма должна быть положительной, иметь не больше money.Scale дробных знаков
// и не превышать maxAmount. Нулевой maxAmount снимает верхнее ограничение.
func ParseDepositAmount(d decimal.Decimal, maxAmount money.Amount) (money.Amount, error) {
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrNotPositive, d.String())
	}

	amount, err := money.FromDecimal(d)
	if err != nil {
		return 0, err
	}

	if maxAmount > 0 && amount > maxAmount {
		return 0, fmt.Errorf("%w: %s > %s", ErrAboveMaximum, amount, maxAmount)
	}
	return amount, nil
}

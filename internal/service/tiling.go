package service

import (
	"fmt"

	"github.com/mmeshcher/lottery-pool/internal/model"
)

// CheckTiling проверяет, что интервалы раунда в порядке выдачи покрывают [0, total)
// без пропусков и пересечений.
func CheckTiling(allocs []model.TicketAllocation, total int64) error {
	var cursor int64
	for i, a := range allocs {
		if a.TicketEnd < a.TicketStart {
			return fmt.Errorf("%w: allocation %d has negative width [%d, %d)", ErrRoundIntegrity, i, a.TicketStart, a.TicketEnd)
		}
		if a.TicketStart != cursor {
			return fmt.Errorf("%w: allocation %d starts at %d, expected %d", ErrRoundIntegrity, i, a.TicketStart, cursor)
		}
		cursor = a.TicketEnd
	}

	if cursor != total {
		return fmt.Errorf("%w: allocations cover [0, %d), round has %d tickets", ErrRoundIntegrity, cursor, total)
	}
	return nil
}

package service

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeWinner = "winner"
	outcomeEmpty  = "empty"
)

// Metrics содержит счётчики раундов и депозитов.
type Metrics struct {
	deposits            prometheus.Counter
	depositVolume       prometheus.Counter
	ticketsIssued       prometheus.Counter
	roundsClosed        *prometheus.CounterVec
	prizesPaid          prometheus.Counter
	integrityViolations prometheus.Counter
}

// NewMetrics создаёт метрики и регистрирует их в reg. Если reg равен nil, метрики не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lottery_deposits_total",
			Help: "Count of accepted deposits",
		}),
		depositVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lottery_deposit_amount_total",
			Help: "Sum of accepted deposit amounts in currency units",
		}),
		ticketsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lottery_tickets_issued_total",
			Help: "Count of issued tickets",
		}),
		roundsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_rounds_closed_total",
			Help: "Count of closed rounds by outcome",
		}, []string{"outcome"}),
		prizesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lottery_prizes_paid_total",
			Help: "Sum of paid prizes in currency units",
		}),
		integrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lottery_round_integrity_violations_total",
			Help: "Count of aborted round transitions due to broken ticket tiling",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.deposits,
			m.depositVolume,
			m.ticketsIssued,
			m.roundsClosed,
			m.prizesPaid,
			m.integrityViolations,
		)
	}
	return m
}

// Package metrics объявляет метрики Prometheus сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventcard"

// Значения метки result.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

var (
	// LedgerMutations считает изменения баланса по видам операций и итогу.
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_mutations_total",
		Help:      "Card balance mutations by kind and result.",
	}, []string{"kind", "result"})

	// LedgerInconsistencies считает случаи, когда откат после ошибки записи не удался
	// и баланс карты может не совпадать с журналом.
	LedgerInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_inconsistencies_total",
		Help:      "Failed rollbacks that may leave balance and ledger diverged.",
	})

	// Checkouts считает продажи на кассе.
	Checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkout_total",
		Help:      "Point-of-sale checkouts by result.",
	}, []string{"result"})

	// OutboxPublished считает попытки публикации событий журнала в брокер.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Outbox messages published to the broker by result.",
	}, []string{"result"})
)

package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/eventcard/internal/model"
)

// Report содержит результат сверки баланса карты с журналом.
type Report struct {
	CardID         string
	Entries        int
	StoredBalance  decimal.Decimal
	ReplayedSum    decimal.Decimal
	FirstMismatch  *model.Transaction
	ExpectedAtDiff decimal.Decimal
	Consistent     bool
}

// Verify проигрывает журнал карты с нуля и сравнивает результат с сохранённым
// балансом. FirstMismatch указывает первую запись, чей итоговый баланс не равен
// накопленной сумме.
func (l *Ledger) Verify(ctx context.Context, rawID string) (*Report, error) {
	card, err := l.Lookup(ctx, rawID)
	if err != nil {
		return nil, err
	}
	entries, err := l.Transactions(ctx, card.ID)
	if err != nil {
		return nil, err
	}

	return Replay(card, entries), nil
}

// Replay сверяет записи entries с балансом карты card.
func Replay(card *model.Card, entries []model.Transaction) *Report {
	r := &Report{
		CardID:        card.ID,
		Entries:       len(entries),
		StoredBalance: card.Balance,
		ReplayedSum:   decimal.Zero,
	}

	for i := range entries {
		e := entries[i]
		r.ReplayedSum = r.ReplayedSum.Add(e.Amount)
		if r.FirstMismatch == nil && !r.ReplayedSum.Equal(e.ResultingBalance) {
			r.FirstMismatch = &e
			r.ExpectedAtDiff = r.ReplayedSum
		}
	}

	r.Consistent = r.FirstMismatch == nil && r.ReplayedSum.Equal(card.Balance)
	return r
}

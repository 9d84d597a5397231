package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
)

// Event описывает событие журнала, публикуемое в брокер.
type Event struct {
	ID               string    `json:"id"`
	CardID           string    `json:"card_id"`
	HolderName       string    `json:"holder_name"`
	Kind             string    `json:"kind"`
	Amount           string    `json:"amount"`
	ResultingBalance string    `json:"resulting_balance"`
	SaleID           *int64    `json:"sale_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewEvent строит событие по записи журнала.
func NewEvent(t *model.Transaction) Event {
	return Event{
		ID:               t.ID,
		CardID:           t.CardID,
		HolderName:       t.HolderName,
		Kind:             string(t.Kind),
		Amount:           model.FormatMoney(t.Amount),
		ResultingBalance: model.FormatMoney(t.ResultingBalance),
		SaleID:           t.SaleID,
		CreatedAt:        t.CreatedAt,
	}
}

// publish кладёт событие в outbox в той же транзакции, что и запись журнала.
func (l *Ledger) publish(ctx context.Context, tx repository.Tx, t *model.Transaction) error {
	if l.topic == "" {
		return nil
	}

	payload, err := json.Marshal(NewEvent(t))
	if err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, &model.OutboxMessage{
		Topic:   l.topic,
		Key:     t.CardID,
		Payload: payload,
	})
}

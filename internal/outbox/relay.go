// Package outbox публикует события журнала, сохранённые в таблице outbox, в Kafka.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/metrics"
	"github.com/mmeshcher/eventcard/internal/model"
)

const (
	defaultInterval   = 500 * time.Millisecond
	defaultBatchSize  = 100
	defaultMaxRetries = 5
)

// Store описывает хранилище исходящих сообщений.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxAttemptFailed(ctx context.Context, id int64, maxRetries int) (bool, error)
}

// Relay периодически выбирает неотправленные сообщения и публикует их.
type Relay struct {
	store      Store
	producer   sarama.SyncProducer
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
	maxRetries int
}

// NewRelay создаёт ретранслятор с интервалом 500мс, пачкой 100 и пятью попытками.
func NewRelay(store Store, producer sarama.SyncProducer, logger *zap.Logger) *Relay {
	return &Relay{
		store:      store,
		producer:   producer,
		logger:     logger,
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
	}
}

// NewProducer создаёт синхронного продюсера, ожидающего подтверждения всех реплик.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Run публикует сообщения до отмены ctx.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush публикует одну пачку сообщений и возвращает число отправленных.
func (r *Relay) Flush(ctx context.Context) int {
	messages, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("load pending outbox", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if r.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (r *Relay) send(ctx context.Context, msg model.OutboxMessage) bool {
	_, _, err := r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Payload),
	})
	if err == nil {
		metrics.OutboxPublished.WithLabelValues(metrics.ResultOK).Inc()
		if err := r.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			r.logger.Warn("mark outbox sent", zap.Int64("id", msg.ID), zap.Error(err))
		}
		return true
	}

	metrics.OutboxPublished.WithLabelValues(metrics.ResultFailed).Inc()
	r.logger.Warn("publish outbox message",
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Error(err),
	)

	exhausted, markErr := r.store.MarkOutboxAttemptFailed(ctx, msg.ID, r.maxRetries)
	if markErr != nil {
		r.logger.Warn("mark outbox attempt failed", zap.Int64("id", msg.ID), zap.Error(markErr))
		return false
	}
	if exhausted {
		r.logger.Error("outbox message dropped after retries",
			zap.Int64("id", msg.ID),
			zap.String("key", msg.Key),
			zap.Int("retries", r.maxRetries),
		)
	}
	return false
}

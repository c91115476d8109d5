// Package messaging 领域事件出站：事务内写 outbox，后台中继投递到 Kafka。
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/pkg/contextx"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"github.com/wyfcoding/stablecoin/pkg/mq"
	"gorm.io/gorm"
)

// Outbox 消息状态
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
	OutboxFailed    = "failed"
)

// OutboxMessage 出站消息，与业务变更同事务落库，保证事件不丢不超前。
type OutboxMessage struct {
	gorm.Model
	MessageID   string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Topic       string `gorm:"type:varchar(128);index;not null"`
	MessageKey  string `gorm:"type:varchar(128);not null"`
	Payload     []byte `gorm:"type:blob;not null"`
	Status      string `gorm:"type:varchar(16);index;not null;default:'pending'"`
	Attempts    int    `gorm:"not null;default:0"`
	PublishedAt *time.Time
}

// TableName 指定表名
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// OutboxPublisher 实现 domain.EventPublisher。在事务内调用时消息行
// 随业务变更一起提交；事务回滚则消息一并丢弃。
type OutboxPublisher struct {
	db *gorm.DB
}

// NewOutboxPublisher 创建 outbox 发布器
func NewOutboxPublisher(db *gorm.DB) *OutboxPublisher {
	return &OutboxPublisher{db: db}
}

// Publish 将领域事件序列化后写入 outbox，主题取事件名。
func (p *OutboxPublisher) Publish(ctx context.Context, events ...domain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	db := p.db.WithContext(ctx)
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok && tx != nil {
		db = tx
	}

	messages := make([]*OutboxMessage, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.EventName(), err)
		}
		messages = append(messages, &OutboxMessage{
			MessageID:  fmt.Sprintf("MSG%s", idgen.GenIDString()),
			Topic:      event.EventName(),
			MessageKey: event.EventKey(),
			Payload:    payload,
			Status:     OutboxPending,
		})
	}
	if err := db.Create(messages).Error; err != nil {
		return fmt.Errorf("store outbox messages: %w", err)
	}
	return nil
}

// OutboxRelay 轮询 pending 消息并投递到 Kafka。
type OutboxRelay struct {
	db        *gorm.DB
	producer  *mq.KafkaProducer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewOutboxRelay 创建 outbox 中继
func NewOutboxRelay(db *gorm.DB, producer *mq.KafkaProducer, interval time.Duration, logger *slog.Logger) *OutboxRelay {
	return &OutboxRelay{
		db:        db,
		producer:  producer,
		interval:  interval,
		batchSize: 100,
		logger:    logger.With("module", "outbox_relay"),
	}
}

// Start 阻塞运行直到 ctx 取消
func (r *OutboxRelay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "outbox relay started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.RelayBatch(ctx); err != nil {
				r.logger.ErrorContext(ctx, "relay batch failed", "error", err)
			}
		}
	}
}

// RelayBatch 投递一批 pending 消息。投递失败的消息保留 pending 状态，
// 记录尝试次数，下一轮重试。
func (r *OutboxRelay) RelayBatch(ctx context.Context) error {
	var messages []*OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", OutboxPending).
		Order("id").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return fmt.Errorf("load pending outbox messages: %w", err)
	}

	for _, msg := range messages {
		err := r.producer.SendMessage(ctx, msg.Topic, msg.MessageKey, json.RawMessage(msg.Payload))
		if err != nil {
			r.logger.ErrorContext(ctx, "outbox delivery failed",
				"message_id", msg.MessageID, "topic", msg.Topic, "error", err)
			r.db.WithContext(ctx).Model(msg).
				Update("attempts", gorm.Expr("attempts + 1"))
			continue
		}
		now := time.Now()
		updateErr := r.db.WithContext(ctx).Model(msg).Updates(map[string]any{
			"status":       OutboxPublished,
			"published_at": &now,
		}).Error
		if updateErr != nil {
			r.logger.ErrorContext(ctx, "outbox status update failed",
				"message_id", msg.MessageID, "error", updateErr)
		}
	}
	return nil
}

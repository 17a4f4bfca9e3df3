package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("operation", event.Operation),
		zap.String("shop_id", event.ShopID),
		zap.Time("at", event.At),
	}
	if event.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", event.TransactionID))
	}

	switch event.Type {
	case EventLowStock:
		if event.LowStock != nil {
			fields = append(fields,
				zap.String("product_id", event.LowStock.ProductID),
				zap.String("product_name", event.LowStock.ProductName),
				zap.String("stock", event.LowStock.Stock.String()),
				zap.String("threshold", event.LowStock.Threshold.String()))
		}
		s.logger.Warn("low stock", fields...)
	case EventFailure:
		fields = append(fields, zap.String("error", event.Error))
		s.logger.Warn("operation failed", fields...)
	default:
		s.logger.Info("operation succeeded", fields...)
	}
	return nil
}

// KafkaSink publishes events as JSON keyed by shop, so one shop's events stay
// ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Notify(ctx context.Context, event Event) error {
	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write telemetry message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func encodeMessage(event Event) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal telemetry event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.ShopID),
		Value: payload,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}, nil
}

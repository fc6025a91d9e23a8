package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// StatusChangeEvent is published when the tracker detects a grid availability
// transition.
type StatusChangeEvent struct {
	Source         string `json:"source"`
	EventType      string `json:"event_type"`
	PreviousStatus string `json:"previous_status"`
	CurrentStatus  string `json:"current_status"`
	Timestamp      string `json:"timestamp"`
}

// DailyConsumptionEvent is published after the engine recomputes a ledger day.
type DailyConsumptionEvent struct {
	Date              string  `json:"date"`
	Consumption       float64 `json:"consumption"`
	Unit              string  `json:"unit"`
	Confidence        float64 `json:"confidence"`
	HasMonitoringGaps bool    `json:"has_monitoring_gaps"`
	IsComplete        bool    `json:"is_complete"`
}

// PublishStatusChange publishes a grid status transition event
func (p *Publisher) PublishStatusChange(ctx context.Context, event StatusChangeEvent, routingKey string) error {
	if err := p.publish(ctx, event, routingKey); err != nil {
		return err
	}

	p.logger.Debug("published status change event",
		zap.String("routing_key", routingKey),
		zap.String("source", event.Source),
		zap.String("event_type", event.EventType),
	)
	return nil
}

// PublishDailyConsumption publishes an updated daily consumption figure
func (p *Publisher) PublishDailyConsumption(ctx context.Context, event DailyConsumptionEvent, routingKey string) error {
	if err := p.publish(ctx, event, routingKey); err != nil {
		return err
	}

	p.logger.Debug("published daily consumption event",
		zap.String("routing_key", routingKey),
		zap.String("date", event.Date),
		zap.Float64("consumption", event.Consumption),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, event interface{}, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

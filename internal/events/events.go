// Package events публикует события леджера (начисления и выдачи товаров) в RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultExchange задаёт topic exchange для событий сервиса.
const DefaultExchange = "ecokoin_events"

// Ключи маршрутизации.
const (
	KeyDepositCredited     = "deposit.credited"
	KeyRedemptionCompleted = "redemption.completed"
	KeyPasswordReset       = "password.reset_requested"
)

// DepositCredited публикуется после фиксации начисления за сдачу отходов.
type DepositCredited struct {
	DepositID  string    `json:"deposit_id"`
	UserID     string    `json:"user_id"`
	OperatorID string    `json:"operator_id"`
	WeightKg   string    `json:"weight_kg"`
	Coins      int64     `json:"coins"`
	Balance    int64     `json:"balance"`
	Location   string    `json:"location"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedemptionCompleted публикуется после выдачи товара по ваучеру.
type RedemptionCompleted struct {
	RedemptionID string    `json:"redemption_id"`
	UserID       string    `json:"user_id"`
	ProductID    string    `json:"product_id"`
	ProductName  string    `json:"product_name"`
	CoinsSpent   int64     `json:"coins_spent"`
	BalanceAfter int64     `json:"balance_after"`
	OperatorID   string    `json:"operator_id"`
	CompletedAt  time.Time `json:"completed_at"`
}

// PasswordResetRequested публикуется при запросе сброса пароля.
// Подписчик доставляет код пользователю по email.
type PasswordResetRequested struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Publisher отправляет событие с ключом маршрутизации.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close() error
}

// AMQPPublisher публикует события в topic exchange RabbitMQ.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	if u.Path == "" {
		clean += "/"
	}
	return clean, nil
}

// NewAMQPPublisher подключается к брокеру и объявляет exchange.
func NewAMQPPublisher(amqpURL, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish сериализует body в JSON и отправляет его в exchange.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	p.logger.Debug("event published",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

// Close закрывает канал и соединение.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// LogPublisher только пишет события в журнал. Используется, когда брокер не настроен.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish записывает событие в журнал.
func (p *LogPublisher) Publish(_ context.Context, routingKey string, body any) error {
	p.logger.Info("event", zap.String("routing_key", routingKey), zap.Any("body", body))
	return nil
}

// Close ничего не делает.
func (p *LogPublisher) Close() error {
	return nil
}

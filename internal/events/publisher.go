// Package events publishes verification lifecycle events to a RabbitMQ
// exchange. Publishing is strictly best-effort: the ledger and verification
// rows are the source of truth, and a lost event never fails an operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/namaskah/verify/internal/config"
	"github.com/namaskah/verify/internal/domain"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	publishTimeout       = 5 * time.Second
)

// Event is the wire payload. Type uses dotted names such as
// "verification.activated" and doubles as the routing key.
type Event struct {
	Type         string               `json:"type"`
	OccurredAt   time.Time            `json:"occurred_at"`
	Verification *domain.Verification `json:"verification"`
}

// Publisher maintains a RabbitMQ connection and re-dials when the broker
// closes it. Safe for concurrent use.
type Publisher struct {
	cfg config.AMQPConfig
	log *logrus.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPublisher(cfg config.AMQPConfig, log *logrus.Logger) (*Publisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{cfg: cfg, log: log, ctx: ctx, cancel: cancel}

	if err := p.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.mu.Unlock()

	p.log.WithField("exchange", p.cfg.Exchange).Info("connected to RabbitMQ")

	go p.monitorConnection()
	return nil
}

func (p *Publisher) monitorConnection() {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error))
	select {
	case err := <-notifyClose:
		if err != nil {
			p.log.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			p.reconnect()
		}
	case <-p.ctx.Done():
		return
	}
}

func (p *Publisher) reconnect() {
	p.mu.Lock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if err := p.connect(); err == nil {
			p.log.Info("reconnected to RabbitMQ")
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		p.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).
			Warn("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			return
		}
	}
	p.log.Error("max reconnection attempts reached, giving up")
}

// Publish sends one lifecycle event. Errors are logged, never returned: the
// caller's transaction already committed.
func (p *Publisher) Publish(ctx context.Context, eventType string, v *domain.Verification) {
	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()
	if ch == nil {
		p.log.WithField("type", eventType).Warn("event dropped: no broker channel")
		return
	}

	body, err := json.Marshal(Event{
		Type:         eventType,
		OccurredAt:   time.Now().UTC(),
		Verification: v,
	})
	if err != nil {
		p.log.WithError(err).Error("failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx,
		p.cfg.Exchange,
		eventType, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		p.log.WithError(err).WithField("type", eventType).Warn("event publish failed")
		return
	}

	p.log.WithFields(logrus.Fields{
		"type":            eventType,
		"verification_id": v.ID,
	}).Debug("event published")
}

func (p *Publisher) Close() {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.log.Info("event publisher closed")
}

// Nop discards events. Used when AMQP is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, *domain.Verification) {}

// Package queue publishes job lifecycle events to a RabbitMQ topic exchange.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "ipdr_events"

// Params holds the broker connection settings.
type Params struct {
	User     string
	Password string
	Host     string
	Port     string
	VHost    string
}

// URL returns the AMQP URL for p.
func (p Params) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(p.User, p.Password),
		Host:   p.Host + ":" + p.Port,
		Path:   "/" + p.VHost,
	}
	return u.String()
}

// Dial connects to the broker.
func Dial(p Params) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(p.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s:%s: %w", p.Host, p.Port, err)
	}
	return conn, nil
}

// Channel is the subset of *amqp091.Channel used by the publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// NewPublisherParams configures a Publisher.
//
// When Queue is set a durable queue bound to every routing key of the
// exchange is declared, together with a dead letter queue, so that events
// are kept until a consumer picks them up.
type NewPublisherParams struct {
	Exchange string
	Queue    string
}

// Publisher sends JSON encoded events. It is safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
}

// NewPublisher declares the exchange (and optional queue) on ch.
func NewPublisher(ch Channel, params NewPublisherParams) (*Publisher, error) {
	if params.Exchange == "" {
		params.Exchange = DefaultExchange
	}

	if err := ch.ExchangeDeclare(
		params.Exchange, // name
		"topic",         // type
		true,            // durable
		false,           // autoDelete
		false,           // internal
		false,           // noWait
		nil,
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", params.Exchange, err)
	}

	if params.Queue != "" {
		dlqName := params.Queue + "_dlq"
		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", dlqName, err)
		}
		if _, err := ch.QueueDeclare(
			params.Queue,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			amqp091.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": dlqName,
			},
		); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", params.Queue, err)
		}
		if err := ch.QueueBind(params.Queue, "#", params.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s: %w", params.Queue, err)
		}
	}

	return &Publisher{ch: ch, exchange: params.Exchange}, nil
}

// Publish encodes payload as JSON and sends it with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	logger.Debug("[Queue] Published event", "exchange", p.exchange, "key", routingKey)
	return nil
}

// Close closes the underlying channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

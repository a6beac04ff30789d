package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// BrokerConfig describes where run summaries are published.
type BrokerConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// PresenceEvent is the message body published for each notification.
type PresenceEvent struct {
	Type              string        `json:"type"`
	AlertID           string        `json:"alertId"`
	AlertName         string        `json:"alertName"`
	RunID             string        `json:"runId"`
	NewPresencesFound int           `json:"newPresencesFound"`
	Timestamp         time.Time     `json:"timestamp"`
	Presences         []eventRecord `json:"presences"`
}

type eventRecord struct {
	Competitor string `json:"competitor"`
	Platform   string `json:"platform"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Method     string `json:"detectionMethod"`
}

// Broker publishes run summaries to a RabbitMQ exchange.
type Broker struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
	log        zerolog.Logger
}

// NewBroker dials RabbitMQ and declares the exchange, queue and binding.
func NewBroker(cfg BrokerConfig, log zerolog.Logger) (*Broker, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "rivalradar"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "presence.new"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "rivalradar.presences"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	l := log.With().Str("component", "notify.broker").Logger()
	l.Info().
		Str("exchange", cfg.Exchange).
		Str("queue", cfg.QueueName).
		Str("routing_key", cfg.RoutingKey).
		Msg("connected to rabbitmq")

	return &Broker{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		log:        l,
	}, nil
}

func (b *Broker) Name() string { return "rabbitmq" }

func (b *Broker) Send(ctx context.Context, n *Notification) error {
	event := PresenceEvent{
		Type:              "presence.new",
		AlertID:           n.AlertID,
		AlertName:         n.AlertName,
		RunID:             n.RunID,
		NewPresencesFound: n.NewPresencesFound,
		Timestamp:         n.Timestamp.UTC(),
	}
	for _, p := range n.Presences {
		event.Presences = append(event.Presences, eventRecord{
			Competitor: p.Competitor,
			Platform:   p.Platform,
			Title:      p.Title,
			URL:        p.URL,
			Method:     string(p.Method),
		})
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = b.channel.PublishWithContext(ctx, b.exchange, b.routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    n.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.log.Debug().Str("alert_id", n.AlertID).Int("presences", len(n.Presences)).Msg("published presence event")
	return nil
}

// Close closes the channel and connection.
func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

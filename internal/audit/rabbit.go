package audit

import (
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Publisher fans audit entries out to a durable RabbitMQ queue. Optional:
// a nil Publisher disables fanout.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

// NewPublisher connects to RabbitMQ and declares the audit queue.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ audit fanout established")
	return &Publisher{conn: conn, channel: channel, queue: queue}, nil
}

// Publish sends one JSON payload to the audit queue.
func (p *Publisher) Publish(data []byte) error {
	err := p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", p.queue).Msg("Could not publish audit entry to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", p.queue).Msg("Published audit entry to RabbitMQ")
	return nil
}

// Close tears down the channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

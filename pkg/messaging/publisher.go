package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"softswitch/pkg/events"
)

// Publisher forwards call events from the internal bus to an AMQP topic
// exchange so billing, monitoring and provisioning systems can follow call
// progress without touching the signaling core. Each event kind becomes the
// routing key, so consumers bind only to what they care about.
type Publisher struct {
	logger   *logrus.Logger
	url      string
	exchange string

	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewPublisher creates a publisher for the given broker and exchange
func NewPublisher(logger *logrus.Logger, url, exchange string) *Publisher {
	if exchange == "" {
		exchange = "softswitch.events"
	}
	return &Publisher{
		logger:   logger,
		url:      url,
		exchange: exchange,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the broker connection and declares the exchange
func (p *Publisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.url == "" {
		p.logger.Warn("AMQP_URL not set, event publishing disabled")
		return fmt.Errorf("AMQP URL not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)

	go func() {
		conn, err := amqp.Dial(p.url)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})

	p.logger.WithFields(logrus.Fields{
		"url":      p.url,
		"exchange": p.exchange,
	}).Info("Connected to AMQP server")

	go p.monitorConnection()

	return nil
}

// Disconnect closes the broker connection
func (p *Publisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}

	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	p.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (p *Publisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// Run drains a bus subscription into the exchange until the subscription
// closes. Publish failures are logged and dropped; losing an event must
// never stall call processing.
func (p *Publisher) Run(sub *events.Subscription) {
	for ev := range sub.Events() {
		if err := p.Publish(ev); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"kind":    ev.Kind,
				"call_id": ev.CallID,
			}).Warn("Failed to publish call event")
		}
	}

	if dropped := sub.Dropped(); dropped > 0 {
		p.logger.WithField("dropped", dropped).Warn("Call events were dropped before publishing")
	}
}

// Publish sends one call event to the exchange, keyed by its kind
func (p *Publisher) Publish(ev events.Event) error {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"call_id": ev.CallID,
				"recover": r,
			}).Error("Recovered from panic while publishing call event")
		}
	}()

	if !p.IsConnected() {
		return fmt.Errorf("not connected to AMQP server")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	if !p.connected || p.channel == nil {
		return fmt.Errorf("lost AMQP connection before publishing")
	}

	if err := p.channel.Publish(
		p.exchange,
		string(ev.Kind), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				"x-call-id": ev.CallID,
			},
		},
	); err != nil {
		return fmt.Errorf("failed to publish call event: %w", err)
	}

	return nil
}

// monitorConnection watches for broker-side closes and reconnects with
// exponential backoff
func (p *Publisher) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	p.connMutex.RLock()
	if p.conn != nil {
		p.conn.NotifyClose(closeChan)
	}
	p.connMutex.RUnlock()

	for {
		select {
		case <-p.stopChan:
			return
		case closeErr := <-closeChan:
			p.connMutex.Lock()
			p.connected = false
			p.connMutex.Unlock()

			p.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

			for attempt := 1; attempt <= 10; attempt++ {
				if err := p.Connect(); err == nil {
					p.logger.Info("Successfully reconnected to AMQP server")
					return
				} else {
					p.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
				}

				backoff := time.Duration(1<<uint(attempt-1)) * time.Second
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				time.Sleep(backoff)
			}
			return
		}
	}
}

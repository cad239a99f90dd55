// Package broker owns the AMQP topology and connection. One durable direct
// exchange fans task messages out to one durable queue per pipeline phase;
// routing keys equal queue names.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "broker")

// ErrFlowBlocked is returned by Publish while the broker has signalled
// connection-level flow control. Callers back off and retry on a later tick.
var ErrFlowBlocked = errors.New("broker connection is flow-blocked")

// ErrNotConnected is returned when the service has not been started or lost
// its connection.
var ErrNotConnected = errors.New("broker not connected")

const publishConfirmTimeout = 30 * time.Second

// Publisher is the send-side surface the scheduler depends on.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Service manages the AMQP connection, topology declaration, confirmed
// publication and per-queue consumption.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	url    string

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	blocked atomic.Bool
	runErr  error
}

var _ Publisher = (*Service)(nil)

// NewService prepares a broker service for the given AMQP URL.
func NewService(ctx context.Context, amqpURL string) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{ctx: ctx, cancel: cancel, url: amqpURL}
}

// Start dials the broker, declares the exchange and queues, and puts the
// publishing channel in confirm mode.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(); err != nil {
		s.runErr = err
		log.WithError(err).Error("Could not connect to broker")
		return
	}
	log.WithField("exchange", params.OrchConfig().ExchangeName).Info("Broker topology ready")
}

func (s *Service) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return errors.Wrap(err, "could not dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "could not open publish channel")
	}
	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "could not enable publisher confirms")
	}

	blockings := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go s.watchFlow(blockings)

	s.conn = conn
	s.pubCh = ch
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	cfg := params.OrchConfig()
	if err := ch.ExchangeDeclare(cfg.ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "could not declare exchange %s", cfg.ExchangeName)
	}
	for _, queue := range []string{cfg.TallyQueue, cfg.PartialQueue, cfg.CompensatedQueue, cfg.CombineQueue} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "could not declare queue %s", queue)
		}
		if err := ch.QueueBind(queue, queue, cfg.ExchangeName, false, nil); err != nil {
			return errors.Wrapf(err, "could not bind queue %s", queue)
		}
	}
	return nil
}

func (s *Service) watchFlow(blockings <-chan amqp.Blocking) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case b, ok := <-blockings:
			if !ok {
				return
			}
			s.blocked.Store(b.Active)
			if b.Active {
				log.WithField("reason", b.Reason).Warn("Broker enabled flow control")
			} else {
				log.Info("Broker released flow control")
			}
		}
	}
}

// Publish sends one message to the exchange and waits for the broker's
// confirmation. Messages are persistent to match the durable queues: a
// confirmed chunk must survive a broker restart, since the registry keeps it
// QUEUED once the confirm lands.
func (s *Service) Publish(ctx context.Context, routingKey string, body []byte) error {
	if s.blocked.Load() {
		return ErrFlowBlocked
	}
	s.mu.Lock()
	ch := s.pubCh
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, params.OrchConfig().ExchangeName, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "could not publish to %s", routingKey)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, publishConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		return errors.Wrapf(err, "confirmation for %s did not arrive", routingKey)
	}
	if !acked {
		return errors.Errorf("broker rejected publication to %s", routingKey)
	}
	return nil
}

// Consume opens a dedicated channel on the queue with a prefetch of one and
// returns its delivery stream. Consumers ack manually and never requeue;
// redelivery is the registry's job.
func (s *Service) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrapf(err, "could not open consume channel for %s", queue)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, errors.Wrapf(err, "could not set prefetch on %s", queue)
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not consume from %s", queue)
	}
	return deliveries, nil
}

// Status implements runtime.Service.
func (s *Service) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return s.runErr
	}
	if s.conn == nil || s.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

// Stop implements runtime.Service.
func (s *Service) Stop() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			return errors.Wrap(err, "could not close broker connection")
		}
	}
	return nil
}

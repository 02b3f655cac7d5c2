package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"patient_service/internal/metrics"

	"github.com/segmentio/kafka-go"
)

type Type string

const (
	UserRegistered Type = "user.registered"
	UserLoggedIn   Type = "user.logged_in"
	UserLoggedOut  Type = "user.logged_out"
)

const (
	queueSize    = 256
	writeTimeout = 2 * time.Second
	drainTimeout = 5 * time.Second
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("publisher closed")
)

type Event struct {
	Type       Type      `json:"type"`
	UserID     string    `json:"userId"`
	Role       string    `json:"role,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type queuedMessage struct {
	typ Type
	msg kafka.Message
}

// KafkaPublisher hands events to a background writer so callers never wait on the broker.
// Each message gets one write attempt; failures are logged and counted.
type KafkaPublisher struct {
	w            messageWriter
	topic        string
	log          *slog.Logger
	writeTimeout time.Duration
	drainTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan queuedMessage
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            1,
		WriteTimeout:           writeTimeout,
	}

	return newKafkaPublisher(w, topic, log, writeTimeout, drainTimeout)
}

func newKafkaPublisher(w messageWriter, topic string, log *slog.Logger, writeTimeout, drainTimeout time.Duration) *KafkaPublisher {
	ctx, cancel := context.WithCancel(context.Background())

	p := &KafkaPublisher{
		w:            w,
		topic:        topic,
		log:          log.With(slog.String("component", "kafka.publisher"), slog.String("topic", topic)),
		writeTimeout: writeTimeout,
		drainTimeout: drainTimeout,
		queue:        make(chan queuedMessage, queueSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}

	go p.run()

	return p
}

// Publish enqueues e and returns immediately. A full queue drops the event.
func (p *KafkaPublisher) Publish(_ context.Context, e Event) error {
	const op = "events.Publish"

	msg, err := encode(e)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(e.Type), metrics.ResultFailure).Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}

	select {
	case p.queue <- queuedMessage{typ: e.Type, msg: msg}:
		return nil
	default:
		metrics.EventsPublished.WithLabelValues(string(e.Type), metrics.ResultFailure).Inc()
		return fmt.Errorf("%s: %w", op, ErrQueueFull)
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)

	for item := range p.queue {
		ctx, cancel := context.WithTimeout(p.ctx, p.writeTimeout)
		err := p.w.WriteMessages(ctx, item.msg)
		cancel()

		if err != nil {
			metrics.EventsPublished.WithLabelValues(string(item.typ), metrics.ResultFailure).Inc()
			p.log.Error("kafka write failed", slog.String("type", string(item.typ)), slog.Any("error", err))

			continue
		}

		metrics.EventsPublished.WithLabelValues(string(item.typ), metrics.ResultSuccess).Inc()
		p.log.Debug("event published", slog.String("type", string(item.typ)), slog.String("key", string(item.msg.Key)))
	}
}

// Close stops accepting events, gives queued ones drainTimeout to flush, then aborts in-flight writes.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(p.drainTimeout):
		p.log.Warn("event queue not drained before shutdown", slog.Int("pending", len(p.queue)))
		p.cancel()
		<-p.done
	}
	p.cancel()

	return p.w.Close()
}

// encode keys messages by user id so one user's events stay ordered within a partition.
func encode(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Key:   []byte(e.UserID),
		Value: value,
		Time:  e.OccurredAt,
	}, nil
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// Package gossip publishes mutator events to a Kafka topic so peer agents
// can learn from each other.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/mutator"
	"github.com/vitwit/x402-agent/retry"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
	defaultMaxAttempts  = 3
)

// Header values identifying the payload type of each record.
const (
	HeaderType      = "agentpay-type"
	TypeMutation    = "mutation"
	TypeGossip      = "gossip"
	recordKeyPrefix = "agent:"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Publisher.
type Config struct {
	Brokers []string
	Topic   string
	// PublishMutations also forwards MutationMessages, not only gossip.
	PublishMutations bool
	QueueSize        int
	WriteTimeout     time.Duration
	MaxAttempts      int
	Logger           logger.Logger
}

// Publisher is a mutator.Observer backed by Kafka. Delivery is best effort:
// records are queued and dropped when the queue is full.
type Publisher struct {
	writer  MessageWriter
	cfg     Config
	queue   chan kafka.Message
	retry   retry.Policy
	log     logger.Logger
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// NewKafkaPublisher dials nothing up front; kafka-go connects lazily on the
// first write.
func NewKafkaPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("gossip: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("gossip: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: withDefault(cfg.WriteTimeout, defaultWriteTimeout),
	}
	return NewPublisher(w, cfg), nil
}

// NewPublisher wraps an existing writer and starts the delivery goroutine.
func NewPublisher(w MessageWriter, cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	cfg.WriteTimeout = withDefault(cfg.WriteTimeout, defaultWriteTimeout)
	log := cfg.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	p := &Publisher{
		writer: w,
		cfg:    cfg,
		queue:  make(chan kafka.Message, cfg.QueueSize),
		retry: retry.Policy{
			Interval:    100 * time.Millisecond,
			MaxAttempts: cfg.MaxAttempts,
			Retryable:   func(error) bool { return true },
		},
		log:    log,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) OnMutation(m mutator.MutationMessage) {
	if !p.cfg.PublishMutations {
		return
	}
	p.enqueue(TypeMutation, m.AgentID, m)
}

func (p *Publisher) OnGossip(m mutator.GossipMessage) {
	p.enqueue(TypeGossip, m.AgentID, m)
}

func (p *Publisher) enqueue(kind, agentID string, v interface{}) {
	value, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("gossip marshal failed", map[string]any{"error": err.Error()})
		return
	}
	msg := kafka.Message{
		Key:     []byte(recordKeyPrefix + agentID),
		Value:   value,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: HeaderType, Value: []byte(kind)}},
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.log.Warn("gossip queue full, dropping record", map[string]any{"type": kind})
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for msg := range p.queue {
		if err := p.write(msg); err != nil {
			p.log.Warn("gossip publish failed", map[string]any{"error": err.Error()})
		}
	}
}

func (p *Publisher) write(msg kafka.Message) error {
	return p.retry.Do(context.Background(), func(ctx context.Context, _ int) (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(attemptCtx, msg); err != nil {
			return false, fmt.Errorf("write %s: %w", p.cfg.Topic, err)
		}
		return true, nil
	})
}

// Close drains queued records and closes the writer.
func (p *Publisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
	return p.writer.Close()
}

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

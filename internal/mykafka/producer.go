// Package mykafka publishes domain events. The Producer is created once at
// startup and passed to whatever emits events; there is no package-level
// instance.
package mykafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrNotInitialized is returned by a Producer that was never built with
// NewProducer, or was closed.
var ErrNotInitialized = errors.New("kafka: producer not initialized")

const (
	EventUserRegistered  = "user_registered"
	EventUserVerified    = "user_verified"
	EventUserLoggedIn    = "user_logged_in"
	EventUserLoggedOut   = "user_logged_out"
	EventSessionsRevoked = "sessions_revoked"
)

type Event struct {
	Type   string         `json:"type"`
	UserID string         `json:"user_id"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

// Publisher is what services depend on.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event Event) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	mu     sync.RWMutex
	writer messageWriter
	topic  string
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
	return &Producer{writer: w, topic: topic}, nil
}

func (p *Producer) PublishEvent(ctx context.Context, key string, event Event) error {
	if p == nil {
		return ErrNotInitialized
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.writer == nil {
		return ErrNotInitialized
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: json.Marshal failed: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("kafka: write %s: %w", event.Type, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}

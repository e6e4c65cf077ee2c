// Package notify listens for upstream push frames and wakes the sync scheduler.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"market-sync/internal/domain"
	"market-sync/internal/observability"
)

// Config configures subscriber connection behavior.
type Config struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages. Pongs extend it.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultConfig returns default subscriber configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Trigger runs a non-forced sync tick.
type Trigger func(ctx context.Context)

// Frame types sent by the upstream.
const (
	FrameSubscribed = "subscribed"
	FrameHeartbeat  = "heartbeat"
)

type subscribeFrame struct {
	Type       string             `json:"type"`
	EventTypes []domain.EventType `json:"eventTypes"`
}

type frame struct {
	Type    string `json:"type"`
	EventID int64  `json:"eventId,omitempty"`
}

// Subscriber keeps a websocket open to the push endpoint and calls the trigger
// when events become available. Wake-ups arriving during a tick coalesce into one.
type Subscriber struct {
	endpoint string
	config   Config
	trigger  Trigger
	logger   *log.Logger
	metrics  *observability.Metrics
	wake     chan struct{}
}

// Option configures Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Subscriber) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// NewSubscriber creates a Subscriber. A nil config uses DefaultConfig.
func NewSubscriber(endpoint string, trigger Trigger, config *Config, opts ...Option) *Subscriber {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	s := &Subscriber{
		endpoint: endpoint,
		config:   cfg,
		trigger:  trigger,
		logger:   log.Default(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.wakeLoop(ctx)
	}()
	defer wg.Wait()

	delay := s.config.ReconnectDelay
	for {
		received, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Reset delay after a session that delivered data
		if received {
			delay = s.config.ReconnectDelay
		}
		s.logger.Printf("Push connection lost, reconnecting in %v: %v", delay, err)
		s.metrics.RecordWSReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.config.MaxReconnectDelay {
			delay = s.config.MaxReconnectDelay
		}
	}
}

// session runs one connection until it fails. received reports whether any frame arrived.
func (s *Subscriber) session(ctx context.Context) (received bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(dialCtx, s.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", EventTypes: domain.MarketplaceEventTypes}); err != nil {
		return false, fmt.Errorf("write subscribe: %w", err)
	}
	s.logger.Printf("Subscribed to push endpoint %s", s.endpoint)

	// Events may have landed while disconnected.
	s.signal()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return received, errors.New("closed by server")
			}
			return received, fmt.Errorf("read: %w", err)
		}
		received = true
		s.metrics.RecordWSMessage()
		s.handleMessage(message)
	}
}

// handleMessage wakes the scheduler for every frame except acknowledgments and heartbeats.
// Undecodable frames still wake it; the tick is throttled anyway.
func (s *Subscriber) handleMessage(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err == nil {
		switch f.Type {
		case FrameSubscribed, FrameHeartbeat:
			return
		}
	}
	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// wakeLoop calls the trigger once per pending wake-up.
func (s *Subscriber) wakeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.trigger(ctx)
		}
	}
}

func (s *Subscriber) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// WebhookSink POSTs each event to an HTTP endpoint. A circuit breaker
// protects the write path: after repeated delivery failures the sink stops
// calling out entirely until the endpoint recovers, so a dead webhook can
// never slow memory writes down.
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	// queue is never closed; Close signals quit instead, so a late Emit
	// can at worst enqueue into a draining sink, never panic.
	queue     chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebhookSink builds a webhook sink delivering asynchronously from a
// bounded queue. When the queue is full events are dropped, never blocked on.
func NewWebhookSink(url string, log zerolog.Logger) *WebhookSink {
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "events-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		log:   log,
		queue: make(chan Event, 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

// Emit enqueues the event for delivery. Never blocks; emitting into a
// closed sink is a silent drop.
func (s *WebhookSink) Emit(e Event) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.queue <- e:
	default:
		s.log.Warn().Str("event", e.Name).Msg("events: webhook queue full, dropping")
	}
}

// Close stops the delivery loop after draining queued events. Safe to call
// more than once.
func (s *WebhookSink) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

func (s *WebhookSink) deliverLoop() {
	defer close(s.done)
	for {
		select {
		case e := <-s.queue:
			s.send(e)
		case <-s.quit:
			for {
				select {
				case e := <-s.queue:
					s.send(e)
				default:
					return
				}
			}
		}
	}
}

func (s *WebhookSink) send(e Event) {
	if _, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.deliver(e)
	}); err != nil {
		s.log.Warn().Err(err).Str("event", e.Name).Msg("events: webhook delivery failed")
	}
}

func (s *WebhookSink) deliver(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("events: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Package redis publishes detections for the HTTP/bot layer and
// carries the options-invalidation channel the detector listens on.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"spikewatch/internal/model"
)

const (
	// DetectionsChannel carries every persisted detection as JSON.
	DetectionsChannel = "spikes.detections"

	latestTTL = 30 * time.Minute

	breakerFailures = 5
	breakerReset    = 10 * time.Second
	replayBuffer    = 1000
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Event is the published detection payload. The user reference stays an
// id so credentials never leave the process.
type Event struct {
	UserID int64       `json:"user_id"`
	Alert  model.Alert `json:"alert"`
}

// Publisher pushes detection events through a circuit breaker; while
// Redis is down events accumulate in a bounded replay buffer and are
// flushed when the breaker closes again.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	pending []Event
	dropped int64
}

// Client returns the underlying Redis client for health checks and the
// invalidation subscription.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	p := &Publisher{
		client:  client,
		breaker: NewCircuitBreaker(breakerFailures, breakerReset),
	}
	p.breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] breaker %s -> %s", from, to)
	}
	return p, nil
}

// Run consumes events until ctx is canceled or the input closes.
func (p *Publisher) Run(ctx context.Context, in <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			p.Publish(ctx, ev)
		}
	}
}

// Publish sends one event: SET of the latest spike per instrument plus
// a pub/sub fanout, pipelined. On breaker-open the event is buffered.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	err := p.breaker.Execute(func() error {
		if err := p.flushPending(ctx); err != nil {
			return err
		}
		return p.write(ctx, ev)
	})
	if err == nil {
		return
	}
	if err == ErrCircuitOpen {
		p.buffer(ev)
		return
	}
	log.Printf("[redis] publish %s/%s %s: %v", ev.Alert.Exchange, ev.Alert.Market, ev.Alert.Symbol, err)
	p.buffer(ev)
}

func (p *Publisher) write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	latestKey := fmt.Sprintf("spikes:latest:%s:%s:%s", ev.Alert.Exchange, ev.Alert.Market, ev.Alert.Symbol)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, latestKey, data, latestTTL)
	pipe.Publish(ctx, DetectionsChannel, data)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *Publisher) buffer(ev Event) {
	if len(p.pending) >= replayBuffer {
		p.pending = p.pending[1:]
		p.dropped++
		if p.dropped%100 == 1 {
			log.Printf("[redis] replay buffer full, %d events dropped so far", p.dropped)
		}
	}
	p.pending = append(p.pending, ev)
}

// flushPending replays buffered events in order. Called inside the
// breaker so a failing replay trips it again.
func (p *Publisher) flushPending(ctx context.Context) error {
	for len(p.pending) > 0 {
		if err := p.write(ctx, p.pending[0]); err != nil {
			return err
		}
		p.pending = p.pending[1:]
	}
	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

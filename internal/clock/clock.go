package clock

import (
	"context"
	"sync"
	"time"
)

// Ticker is a periodic job driven by the shared Clock.
type Ticker interface {
	Tick() error
}

type TickerID interface{}

// ExecutionMode controls how a subscriber's Tick runs relative to the clock
// goroutine.
type ExecutionMode int

const (
	// Inline runs Tick on the clock goroutine itself; subscribers in this
	// mode are serialized with each other. Use it for work that must have a
	// single logical thread of control.
	Inline ExecutionMode = iota
	// Background runs Tick on its own goroutine each time it is due.
	Background
)

type TickerSubscriber struct {
	ID           TickerID
	Ticker       Ticker
	Mode         ExecutionMode
	Interval     time.Duration
	Name         string
	OnError      func(error)
	lastExecTime time.Time
}

type TickerSubscriberOption func(*TickerSubscriber)

func WithInterval(interval time.Duration) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Interval = interval
	}
}

func WithName(name string) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Name = name
	}
}

func WithOnError(onError func(error)) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.OnError = onError
	}
}

// Clock multiplexes one time.Ticker across many subscribers, each with its
// own interval. The base interval bounds how precisely subscriber intervals
// are honored.
type Clock struct {
	interval time.Duration
	ticker   *time.Ticker
	subs     []*TickerSubscriber
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	onError  func(error)
}

func NewClock(ctx context.Context, interval time.Duration, onError func(error)) *Clock {
	ctx, cancel := context.WithCancel(ctx)
	return &Clock{
		interval: interval,
		ticker:   time.NewTicker(interval),
		ctx:      ctx,
		cancel:   cancel,
		onError:  onError,
	}
}

func (c *Clock) Add(id TickerID, ticker Ticker, mode ExecutionMode, opts ...TickerSubscriberOption) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &TickerSubscriber{
		ID:     id,
		Ticker: ticker,
		Mode:   mode,
	}
	for _, opt := range opts {
		opt(sub)
	}
	c.subs = append(c.subs, sub)
}

func (c *Clock) Remove(id TickerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, sub := range c.subs {
		if sub.ID == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Clock) Start() {
	go c.dispatchTicks()
}

func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.ticker.Stop()
	})
}

func (c *Clock) dispatchTicks() {
	for {
		select {
		case <-c.ticker.C:
			c.tick()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Clock) tick() {
	now := time.Now()

	c.mu.Lock()
	due := make([]*TickerSubscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		interval := c.interval
		if sub.Interval > 0 {
			interval = sub.Interval
		}
		if now.Sub(sub.lastExecTime) >= interval {
			sub.lastExecTime = now
			due = append(due, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range due {
		switch sub.Mode {
		case Background:
			go func(sub *TickerSubscriber) {
				if err := sub.Ticker.Tick(); err != nil {
					c.reportError(sub, err)
				}
			}(sub)
		default:
			if err := sub.Ticker.Tick(); err != nil {
				c.reportError(sub, err)
			}
		}
	}
}

func (c *Clock) reportError(sub *TickerSubscriber, err error) {
	if sub.OnError != nil {
		sub.OnError(err)
		return
	}
	if c.onError != nil {
		c.onError(err)
	}
}

package notify

import (
	"context"
	"errors"
	"sync"
)

// Stream names the child process output a message came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// DefaultHistorySize is the number of messages retained per channel.
const DefaultHistorySize = 100

// DefaultBufferSize is the subscriber buffer used when none is given.
const DefaultBufferSize = 64

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("notification bus is closed")

// LogMessage is the payload delivered on a cluster channel.
type LogMessage struct {
	Data   string `json:"data"`
	Stream Stream `json:"stream"`
}

// ChannelName returns the channel carrying messages for a cluster.
func ChannelName(clusterID string) string {
	return "kube-auth:" + clusterID
}

// Stats reports bus delivery counters.
type Stats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Subscription receives the messages of one channel in publish order.
type Subscription struct {
	channel string
	ch      chan LogMessage
	bus     *Bus
	once    sync.Once
}

// C returns the delivery channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan LogMessage {
	return s.ch
}

// Close stops delivery and releases the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets how many messages each channel retains.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		b.historySize = n
	}
}

// Bus is an in-process publish/subscribe hub keyed by channel name.
type Bus struct {
	historySize int

	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	history map[string][]LogMessage
	stats   Stats
	closed  bool
}

// NewBus returns an open bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		historySize: DefaultHistorySize,
		subs:        make(map[string]map[*Subscription]struct{}),
		history:     make(map[string][]LogMessage),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify publishes msg on channel. Delivery is best effort: slow subscribers
// lose messages instead of blocking the publisher.
func (b *Bus) Notify(ctx context.Context, channel string, msg LogMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if b.historySize > 0 {
		h := append(b.history[channel], msg)
		if len(h) > b.historySize {
			h = h[len(h)-b.historySize:]
		}
		b.history[channel] = h
	}

	b.stats.Published++
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- msg:
			b.stats.Delivered++
		default:
			b.stats.Dropped++
		}
	}
	return nil
}

// Subscribe registers a subscriber on channel and returns it together with
// the channel history at the time of subscribing. No message is both in the
// returned history and delivered on the subscription.
func (b *Bus) Subscribe(channel string, buffer int) (*Subscription, []LogMessage) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &Subscription{
		channel: channel,
		ch:      make(chan LogMessage, buffer),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub, nil
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.stats.Subscribers++

	history := append([]LogMessage(nil), b.history[channel]...)
	return sub, history
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[sub.channel]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			b.stats.Subscribers--
			if len(subs) == 0 {
				delete(b.subs, sub.channel)
			}
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// History returns the retained messages of channel, oldest first.
func (b *Bus) History(channel string) []LogMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LogMessage(nil), b.history[channel]...)
}

// Forget drops the retained history of channel.
func (b *Bus) Forget(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, channel)
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close closes every subscription. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.stats.Subscribers = 0
}

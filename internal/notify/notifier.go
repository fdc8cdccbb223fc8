// Package notify broadcasts FID changes to listeners in this process and,
// through a Broadcaster, to other processes sharing the same store.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChannelName is the well-known name of the cross-process channel.
const ChannelName = "cirrus-fid-change"

// Message is published on the channel whenever the FID of a key changes.
type Message struct {
	Key    string `json:"key"`
	FID    string `json:"fid"`
	Origin string `json:"origin,omitempty"`
}

// Listener is called with the new FID of the key it subscribed to.
type Listener func(fid string)

// Broadcaster opens channels to other processes.
type Broadcaster interface {
	Open(ctx context.Context, name string) (Channel, error)
}

// Channel is an open connection to the cross-process channel.
type Channel interface {
	Publish(ctx context.Context, msg Message) error

	// Messages delivers messages published by any participant, until Close.
	Messages() <-chan Message

	Close() error
}

type subscription struct {
	key string
	fn  Listener
}

// Notifier delivers FID changes. Local listeners are called synchronously and
// in subscription order. The channel of the Broadcaster is only held open
// while there is at least one subscription.
type Notifier struct {
	origin      string
	broadcaster Broadcaster
	logger      zerolog.Logger

	mu        sync.Mutex
	listeners []*subscription
	channel   Channel
	done      chan struct{}
}

type Option func(*Notifier)

// WithBroadcaster connects the notifier to other processes.
func WithBroadcaster(b Broadcaster) Option {
	return func(n *Notifier) {
		n.broadcaster = b
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		origin: uuid.NewString(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers fn for changes of key. The returned function removes
// the subscription; calling it more than once is a no-op.
func (n *Notifier) Subscribe(key string, fn Listener) (unsubscribe func()) {
	sub := &subscription{key: key, fn: fn}

	n.mu.Lock()
	n.listeners = append(n.listeners, sub)
	// also retries a channel that failed to open for an earlier subscriber
	n.openLocked()
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.listeners {
				if s == sub {
					n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
					break
				}
			}
			if len(n.listeners) == 0 {
				n.closeLocked()
			}
		})
	}
}

// Notify calls the local listeners of key and publishes the change to other
// processes.
func (n *Notifier) Notify(ctx context.Context, key, fid string) {
	n.dispatch(key, fid)

	if n.broadcaster == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	transient := n.channel == nil && len(n.listeners) == 0
	if n.channel == nil {
		n.openLocked()
		if n.channel == nil {
			return
		}
	}
	msg := Message{Key: key, FID: fid, Origin: n.origin}
	if err := n.channel.Publish(ctx, msg); err != nil {
		n.logger.Warn().Err(err).Str("key", key).Msg("failed to broadcast fid change")
	}
	if transient {
		n.closeLocked()
	}
}

// Active reports whether the cross-process channel is currently open.
func (n *Notifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel != nil
}

func (n *Notifier) dispatch(key, fid string) {
	n.mu.Lock()
	var fns []Listener
	for _, s := range n.listeners {
		if s.key == key {
			fns = append(fns, s.fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(fid)
	}
}

// openLocked must be called with mu held.
func (n *Notifier) openLocked() {
	if n.broadcaster == nil || n.channel != nil {
		return
	}
	ch, err := n.broadcaster.Open(context.Background(), ChannelName)
	if err != nil {
		n.logger.Warn().Err(err).Msg("cannot open fid change channel, changes stay local")
		return
	}
	n.channel = ch
	n.done = make(chan struct{})
	go n.receive(ch, n.done)
}

// closeLocked must be called with mu held.
func (n *Notifier) closeLocked() {
	if n.channel == nil {
		return
	}
	close(n.done)
	if err := n.channel.Close(); err != nil {
		n.logger.Debug().Err(err).Msg("closing fid change channel")
	}
	n.channel = nil
	n.done = nil
}

func (n *Notifier) receive(ch Channel, done <-chan struct{}) {
	msgs := ch.Messages()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Origin == n.origin {
				continue
			}
			n.dispatch(msg.Key, msg.FID)
		}
	}
}

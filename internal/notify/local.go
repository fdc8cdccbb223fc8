package notify

import (
	"context"
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("channel closed")

const localBufferSize = 64

var _ Broadcaster = (*LocalBus)(nil)

// LocalBus connects notifiers living in the same process, e.g. several
// clients sharing one store file.
type LocalBus struct {
	mu       sync.Mutex
	channels map[string]map[*localChannel]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		channels: make(map[string]map[*localChannel]struct{}),
	}
}

func (b *LocalBus) Open(_ context.Context, name string) (Channel, error) {
	ch := &localChannel{
		bus:  b,
		name: name,
		msgs: make(chan Message, localBufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[name] == nil {
		b.channels[name] = make(map[*localChannel]struct{})
	}
	b.channels[name][ch] = struct{}{}
	return ch, nil
}

// OpenCount returns the number of open channels with name.
func (b *LocalBus) OpenCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[name])
}

func (b *LocalBus) publish(name string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels[name] {
		select {
		case ch.msgs <- msg:
		default:
			// receiver is not keeping up, drop rather than block the publisher
		}
	}
}

func (b *LocalBus) remove(ch *localChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels[ch.name], ch)
}

type localChannel struct {
	bus  *LocalBus
	name string
	msgs chan Message

	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (c *localChannel) Publish(_ context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	c.bus.publish(c.name, msg)
	return nil
}

func (c *localChannel) Messages() <-chan Message {
	return c.msgs
}

func (c *localChannel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.bus.remove(c)
	})
	return nil
}

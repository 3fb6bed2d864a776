package changefeed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type (
	// Channel is a duplex, message-framed channel to a subscriber.
	Channel interface {
		// Receive blocks until the next inbound message arrives.
		Receive(ctx context.Context) ([]byte, error)
		// Send sends a message to the subscriber.
		Send(msg []byte) error
		// End closes the channel, informing the subscriber with the code and
		// reason. Ending a channel that has already ended is a no-op.
		End(code int, reason string) error
		// Wait blocks until the subscriber ends the channel or the
		// underlying connection is reset, discarding any inbound messages.
		Wait(ctx context.Context) error
	}

	// Connection is a subscriber's channel together with the identity of the
	// caller.
	Connection struct {
		ID      uuid.UUID
		Account string

		channel Channel

		// funcs to invoke upon release, e.g. removing bus handlers.
		releasers []func()
		released  bool
		mu        sync.Mutex
	}
)

func newConnection(ch Channel, account string) *Connection {
	return &Connection{
		channel: ch,
		Account: account,
	}
}

// Send sends a message to the subscriber, returning ErrConnectionClosed if the
// connection has been released.
func (c *Connection) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrConnectionClosed
	}
	return c.channel.Send(msg)
}

// onRelease registers fn to be invoked when the connection is released. If
// the connection is already released then fn is invoked immediately.
func (c *Connection) onRelease(fn func()) {
	c.mu.Lock()
	if !c.released {
		c.releasers = append(c.releasers, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// release invokes registered release funcs and ends the channel. Only the
// first call has any effect.
func (c *Connection) release(code int, reason string) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	releasers := c.releasers
	c.releasers = nil
	c.mu.Unlock()

	for _, fn := range releasers {
		fn()
	}
	_ = c.channel.End(code, reason)
}

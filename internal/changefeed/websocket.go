package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the subscriber.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the
	// subscriber.
	pongWait = 60 * time.Second

	// pingPeriod is the period between pings; it must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an inbound message.
	maxMessageSize = 64 * 1024

	// maxCloseReason is the largest close reason that fits in a control
	// frame alongside the two byte close code.
	maxCloseReason = 123
)

var (
	// ErrChannelEnded is returned by Wait when the subscriber ends the
	// channel.
	ErrChannelEnded = errors.New("channel ended")

	// ErrConnectionReset is returned by Wait when the underlying connection
	// breaks without the subscriber ending the channel.
	ErrConnectionReset = errors.New("connection reset")
)

// wsChannel is a Channel over a websocket connection.
type wsChannel struct {
	conn *websocket.Conn

	pingPeriod time.Duration
	pongWait   time.Duration
	// receiveWait bounds the wait for the subscription request.
	receiveWait time.Duration

	writeMu sync.Mutex
	endOnce sync.Once
	ended   chan struct{}
}

func newWebsocketChannel(conn *websocket.Conn) *wsChannel {
	conn.SetReadLimit(maxMessageSize)
	ch := &wsChannel{
		conn:        conn,
		pingPeriod:  pingPeriod,
		pongWait:    pongWait,
		receiveWait: pongWait,
		ended:       make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ch.pongWait))
	})
	return ch
}

// Receive reads the next text message. Binary messages are skipped. The
// connection resets if no message arrives within receiveWait.
func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.receiveWait)); err != nil {
		return nil, classify(err)
	}
	stop := context.AfterFunc(ctx, func() {
		// unblock the read
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify(err)
		}
		if kind == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (c *wsChannel) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.ended:
		return ErrConnectionClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsChannel) End(code int, reason string) (err error) {
	c.endOnce.Do(func() {
		close(c.ended)
		msg := websocket.FormatCloseMessage(code, closeReason(reason))
		// WriteControl is safe to call concurrently with other writes.
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// Wait discards inbound messages and pings the subscriber until the channel
// ends, whether by the subscriber, by a call to End, or by a network
// failure.
func (c *wsChannel) Wait(ctx context.Context) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	done := make(chan struct{})
	defer close(done)
	go c.ping(ctx, done)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			select {
			case <-c.ended:
				return ErrChannelEnded
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify(err)
		}
	}
}

func (c *wsChannel) ping(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// the read loop notices the broken connection.
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.ended:
			return
		}
	}
}

// closeReason truncates reason to fit a close frame without splitting a
// rune.
func closeReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// classify distinguishes a subscriber ending the channel from the connection
// resetting.
func classify(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %w", ErrChannelEnded, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionReset, err)
}

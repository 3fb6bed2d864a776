package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudapi/changefeed/internal/logr"
)

type (
	fakeChannel struct {
		inbound chan []byte
		sent    chan []byte
		reset   chan struct{}
		ended   chan struct{}
		sendErr error

		endOnce sync.Once
		code    int
		reason  string
	}

	fakeSource struct {
		events chan ChangeEvent
	}
)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan []byte, 1),
		sent:    make(chan []byte, 100),
		reset:   make(chan struct{}),
		ended:   make(chan struct{}),
	}
}

func (f *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.ended:
		return nil, ErrChannelEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) Send(msg []byte) error {
	select {
	case <-f.ended:
		return ErrConnectionClosed
	default:
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent <- msg
	return nil
}

func (f *fakeChannel) End(code int, reason string) error {
	f.endOnce.Do(func() {
		f.code = code
		f.reason = reason
		close(f.ended)
	})
	return nil
}

func (f *fakeChannel) Wait(ctx context.Context) error {
	select {
	case <-f.ended:
		return ErrChannelEnded
	case <-f.reset:
		return ErrConnectionReset
	case <-ctx.Done():
		return ctx.Err()
	}
}

// received returns the messages sent so far, decoded.
func (f *fakeChannel) received(t *testing.T) []ChangeEvent {
	t.Helper()

	var events []ChangeEvent
	for {
		select {
		case msg := <-f.sent:
			var event ChangeEvent
			require.NoError(t, json.Unmarshal(msg, &event))
			events = append(events, event)
		default:
			return events
		}
	}
}

func (f *fakeSource) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case event, ok := <-f.events:
		if !ok {
			return ChangeEvent{}, errors.New("source closed")
		}
		return event, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

// publicStates collapses states the way the public API does.
var publicStates = TranslatorFunc(func(obj map[string]any, _ string) (map[string]any, error) {
	switch obj["state"] {
	case "down", "off":
		obj["state"] = "stopped"
	}
	obj["translated"] = true
	return obj, nil
})

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()

	if opts.Translator == nil {
		opts.Translator = publicStates
	}
	hub, err := NewHub(logr.Discard(), opts)
	require.NoError(t, err)
	return hub
}

func newVMEvent(owner, state string, subResources ...string) ChangeEvent {
	return ChangeEvent{
		ChangeKind: ChangeKind{
			Resource:     VMResource,
			SubResources: subResources,
		},
		ResourceObject: map[string]any{
			"uuid":       "2d1c4a4e-7f5c-4b1b-8f4e-0d2f0c2f9c7e",
			"owner_uuid": owner,
			"state":      state,
			"tags":       map[string]any{"role": "db"},
		},
		ChangedResourceID: "2d1c4a4e-7f5c-4b1b-8f4e-0d2f0c2f9c7e",
	}
}

// subscribe registers a connection for the account directly with the hub's
// registry and bus, returning its channel.
func subscribe(t *testing.T, hub *Hub, account string, kind ChangeKind) (*fakeChannel, Subscription) {
	t.Helper()

	ch := newFakeChannel()
	conn := newConnection(ch, account)
	id := hub.registry.Register(conn)
	sub := Subscription{ChangeKind: kind, ConnectionID: id, Account: account}
	conn.onRelease(hub.bus.Subscribe(kind.Resource, func(event ChangeEvent) error {
		return hub.engine.deliver(event, sub)
	}))
	return ch, sub
}

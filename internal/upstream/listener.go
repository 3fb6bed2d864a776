// Package upstream listens to the VMAPI changefeed, receiving every vm
// change event for relay to subscribers.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/cloudapi/changefeed/internal/changefeed"
)

const (
	changefeedPath = "/changefeeds"

	// eventBufferSize is the number of events buffered between the upstream
	// connection and the consumer.
	eventBufferSize = 100

	DefaultMinBackoff = 10 * time.Millisecond
)

type (
	Config struct {
		// URL is the base URL of VMAPI.
		URL string
		// Port overrides any port in URL if non-zero.
		Port int
		// Instance uniquely identifies this listener to the publisher.
		Instance string
		// Service names the service on whose behalf the listener registers.
		Service string
		// MinBackoff is the delay before the first reconnection attempt.
		MinBackoff time.Duration
		// MaxBackoff caps the delay between reconnection attempts. Zero
		// means no cap.
		MaxBackoff time.Duration
	}

	// Listener maintains a registration with the upstream publisher,
	// reconnecting indefinitely, and makes received events available via
	// Next.
	Listener struct {
		logr.Logger
		Config

		endpoint string
		dialer   *websocket.Dialer
		events   chan changefeed.ChangeEvent
	}

	// registration is sent to the publisher upon connecting.
	registration struct {
		Instance   string                `json:"instance"`
		Service    string                `json:"service"`
		ChangeKind changefeed.ChangeKind `json:"changeKind"`
	}

	// bootstrap is the publisher's acknowledgement of a registration.
	bootstrap struct {
		Resource       string `json:"resource"`
		BootstrapRoute string `json:"bootstrapRoute"`
	}
)

func NewListener(logger logr.Logger, cfg Config) (*Listener, error) {
	endpoint, err := websocketURL(cfg.URL, cfg.Port)
	if err != nil {
		return nil, err
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	return &Listener{
		Logger:   logger.WithValues("component", "upstream", "endpoint", endpoint),
		Config:   cfg,
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
		events:   make(chan changefeed.ChangeEvent, eventBufferSize),
	}, nil
}

// Start connects to the publisher and receives events until the context is
// canceled, reconnecting with backoff whenever the connection fails.
func (l *Listener) Start(ctx context.Context) error {
	policy := backoff.WithContext(l.newBackOff(), ctx)
	op := func() error {
		return l.listen(ctx, policy)
	}
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		l.Error(err, "reconnecting to upstream", "backoff", next)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Next returns the next event received from upstream.
func (l *Listener) Next(ctx context.Context) (changefeed.ChangeEvent, error) {
	select {
	case event := <-l.events:
		return event, nil
	case <-ctx.Done():
		return changefeed.ChangeEvent{}, ctx.Err()
	}
}

// Registration returns the change kind the listener registers for: every vm
// sub-resource. Subscribers are narrowed down by the hub.
func Registration() changefeed.ChangeKind {
	return changefeed.ChangeKind{
		Resource:     changefeed.VMResource,
		SubResources: changefeed.Vocabulary[changefeed.VMResource],
	}
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	maxInterval := l.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(l.MinBackoff),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(0),
	)
}

// listen makes one connection to the publisher, relaying events until the
// connection fails. The policy is reset once the publisher acknowledges
// the registration.
func (l *Listener) listen(ctx context.Context, policy backoff.BackOff) error {
	conn, _, err := l.dialer.DialContext(ctx, l.endpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting to upstream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = conn.WriteJSON(registration{
		Instance:   l.Instance,
		Service:    l.Service,
		ChangeKind: Registration(),
	})
	if err != nil {
		return fmt.Errorf("registering with upstream: %w", err)
	}
	l.V(1).Info("registered with upstream", "instance", l.Instance, "service", l.Service)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("reading from upstream: %w", err)
		}

		var ack bootstrap
		if err := json.Unmarshal(msg, &ack); err == nil && ack.BootstrapRoute != "" {
			l.Info("upstream acknowledged registration", "resource", ack.Resource, "bootstrap_route", ack.BootstrapRoute)
			policy.Reset()
			continue
		}

		var event changefeed.ChangeEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			l.Error(err, "decoding upstream event")
			continue
		}
		if event.ChangeKind.Resource == "" {
			l.Error(errors.New("missing resource"), "decoding upstream event")
			continue
		}
		select {
		case l.events <- event:
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}
}

// websocketURL converts the base URL of the publisher into the URL of its
// changefeed websocket endpoint.
func websocketURL(base string, port int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing upstream url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported upstream url scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("upstream url missing host: %q", base)
	}
	if port != 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	u.Path = changefeedPath
	return u.String(), nil
}

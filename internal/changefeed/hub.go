package changefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownReason = "server shutting down"

type (
	// Hub distributes change events from a single upstream source to many
	// subscriber connections.
	Hub struct {
		logr.Logger

		bus        *Bus
		registry   *Registry
		engine     *engine
		metrics    *metrics
		validation ValidationMode
		upgrader   websocket.Upgrader
		stopped    atomic.Bool
	}

	Options struct {
		// Translator converts resource objects into their public form.
		// Required.
		Translator Translator
		// Validation determines whether an invalid subscription request is
		// rejected or merely reported. Defaults to PermissiveValidation.
		Validation ValidationMode
		// Registerer registers the hub's metrics. Defaults to a private
		// registry.
		Registerer prometheus.Registerer
		// AllowedOrigins restricts websocket upgrades to requests from these
		// origins. Any origin is permitted if empty.
		AllowedOrigins []string
	}
)

func NewHub(logger logr.Logger, opts Options) (*Hub, error) {
	if opts.Translator == nil {
		return nil, errors.New("translator is required")
	}
	if opts.Validation == "" {
		opts.Validation = PermissiveValidation
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	logger = logger.WithValues("component", "hub")

	registry := NewRegistry()
	registry.observe = func(delta int) { m.connections.Add(float64(delta)) }

	return &Hub{
		Logger:     logger,
		bus:        NewBus(logger),
		registry:   registry,
		metrics:    m,
		validation: opts.Validation,
		engine: &engine{
			Logger:     logger,
			translator: opts.Translator,
			registry:   registry,
			metrics:    m,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(opts.AllowedOrigins),
		},
	}, nil
}

// Start relays events from the source onto the bus until the context is
// canceled, whereupon it returns without error.
func (h *Hub) Start(ctx context.Context, src Source) error {
	h.V(1).Info("started relaying events")
	for {
		event, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving upstream event: %w", err)
		}
		h.Publish(event)
	}
}

// Publish relays an event to every connection subscribed to the event's
// resource.
func (h *Hub) Publish(event ChangeEvent) {
	h.metrics.received.WithLabelValues(event.ChangeKind.Resource).Inc()
	h.bus.Publish(event.ChangeKind.Resource, event)
}

// Stop removes every connection, ending their channels. Channels accepted
// after Stop are ended without registering.
func (h *Hub) Stop() {
	h.stopped.Store(true)
	h.registry.RemoveAll(websocket.CloseGoingAway, shutdownReason)
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	return h.registry.Len()
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

package changefeed

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cloudapi/changefeed/internal/authenticator"
)

// ServeHTTP upgrades an authenticated request to a websocket and handles the
// resulting connection until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, ErrMustUpgrade.Error(), http.StatusBadRequest)
		return
	}
	acct, err := authenticator.AccountFromContext(r.Context())
	if err != nil {
		http.Error(w, authenticator.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already responded to the client
		h.Error(err, "upgrading websocket connection")
		return
	}
	h.Accept(r.Context(), acct.UUID, newWebsocketChannel(conn))
}

// Accept handles a channel on behalf of the account: it waits for the
// subscription request, registers the connection, delivers matching
// events, and removes the connection once the channel ends.
func (h *Hub) Accept(ctx context.Context, account string, ch Channel) {
	logger := h.WithValues("account", account)

	if h.stopped.Load() {
		_ = ch.End(websocket.CloseGoingAway, shutdownReason)
		return
	}

	msg, err := ch.Receive(ctx)
	if err != nil {
		logger.V(1).Info("awaiting subscription request", "err", err.Error())
		_ = ch.End(websocket.CloseNormalClosure, "")
		return
	}

	kind, err := ParseChangeKind(msg)
	if err != nil {
		logger.Info("invalid changeKind registration", "err", err.Error())
		_ = ch.End(websocket.CloseUnsupportedData, err.Error())
		return
	}

	if err := Validate(kind); err != nil {
		if h.validation == StrictValidation {
			logger.Info("rejected subscription", "err", err.Error())
			_ = ch.End(websocket.ClosePolicyViolation, err.Error())
			return
		}
		logger.Info("invalid subscription; subscribing regardless", "err", err.Error())
		if err := ch.Send([]byte(err.Error())); err != nil {
			_ = ch.End(websocket.CloseNormalClosure, "")
			return
		}
	}

	conn := newConnection(ch, account)
	id := h.registry.Register(conn)
	logger = logger.WithValues("connection", id, "resource", kind.Resource)

	sub := Subscription{
		ChangeKind:   kind,
		ConnectionID: id,
		Account:      account,
	}
	unsubscribe := h.bus.Subscribe(kind.Resource, func(event ChangeEvent) error {
		return h.engine.deliver(event, sub)
	})
	conn.onRelease(unsubscribe)
	if h.stopped.Load() {
		// Stop ran while the request was awaited
		h.registry.evict(id, websocket.CloseGoingAway, shutdownReason)
	}
	logger.V(1).Info("registered connection", "sub_resources", kind.SubResources)

	err = ch.Wait(ctx)
	h.registry.Remove(id)

	switch {
	case errors.Is(err, ErrConnectionReset):
		logger.V(1).Info("connection reset", "err", err.Error())
	default:
		logger.V(1).Info("connection ended")
	}
}

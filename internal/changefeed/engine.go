package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/mohae/deepcopy"
)

const (
	// DecisionNoMatch means the event's sub-resources do not intersect the
	// subscription's.
	DecisionNoMatch Decision = iota
	// DecisionNotOwner means the subscriber does not own the changed
	// resource.
	DecisionNotOwner
	// DecisionUnsupported means the subscription's resource kind has no
	// forwarding behaviour; nothing is sent.
	DecisionUnsupported
	// DecisionDeliver means the event is to be forwarded to the subscriber.
	DecisionDeliver
)

// Decision is the outcome of evaluating an event against a subscription.
type Decision int

func (d Decision) String() string {
	switch d {
	case DecisionNoMatch:
		return "no_match"
	case DecisionNotOwner:
		return "not_owner"
	case DecisionUnsupported:
		return "unsupported"
	case DecisionDeliver:
		return "delivered"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Evaluate decides whether the event should be delivered to the subscription.
// Ownership is always checked, no matter how broad the subscription.
func Evaluate(event ChangeEvent, sub Subscription) Decision {
	if len(event.ChangeKind.Intersect(sub.SubResources)) == 0 {
		return DecisionNoMatch
	}
	if owner := event.Owner(); owner == "" || owner != sub.Account {
		return DecisionNotOwner
	}
	switch sub.Resource {
	case VMResource:
		return DecisionDeliver
	default:
		return DecisionUnsupported
	}
}

// engine forwards events to the subscribers entitled to see them.
type engine struct {
	logr.Logger

	translator Translator
	registry   *Registry
	metrics    *metrics
}

// deliver evaluates the event against the subscription and, upon a match,
// sends a translated copy of the event to the subscription's connection.
func (e *engine) deliver(event ChangeEvent, sub Subscription) error {
	decision := Evaluate(event, sub)
	if decision != DecisionDeliver {
		if decision == DecisionUnsupported {
			e.V(2).Info("resource not supported for forwarding", "connection", sub.ConnectionID, "resource", sub.Resource)
		}
		e.metrics.observe(decision.String())
		return nil
	}

	msg, err := e.render(event, sub.Account)
	if err != nil {
		e.metrics.observe(outcomeFailed)
		return fmt.Errorf("translating event for connection %s: %w", sub.ConnectionID, err)
	}

	conn, ok := e.registry.Get(sub.ConnectionID)
	if !ok {
		e.metrics.observe(outcomeGone)
		return nil
	}
	if err := conn.Send(msg); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			e.metrics.observe(outcomeGone)
			return nil
		}
		// a broken channel is treated as the end of the connection.
		e.V(1).Info("sending event failed; removing connection", "connection", sub.ConnectionID, "err", err.Error())
		e.metrics.observe(outcomeGone)
		e.registry.Remove(sub.ConnectionID)
		return nil
	}
	e.metrics.observe(decision.String())
	return nil
}

// render translates a copy of the event for the account and serializes it.
// The translated state is replaced with the original state: translation
// collapses several internal states into one public state and subscribers
// watch for the actual transitions.
func (e *engine) render(event ChangeEvent, account string) ([]byte, error) {
	obj, _ := deepcopy.Copy(event.ResourceObject).(map[string]any)
	if obj == nil {
		obj = map[string]any{}
	}
	translated, err := e.translator.Translate(obj, account)
	if err != nil {
		return nil, err
	}
	if translated == nil {
		translated = map[string]any{}
	}
	if state, ok := event.ResourceObject[stateField]; ok {
		translated[stateField] = deepcopy.Copy(state)
	} else {
		delete(translated, stateField)
	}
	out := ChangeEvent{
		ChangeKind: ChangeKind{
			Resource:     event.ChangeKind.Resource,
			SubResources: deepcopy.Copy(event.ChangeKind.SubResources).([]string),
		},
		ResourceObject:    translated,
		ChangedResourceID: event.ChangedResourceID,
		Published:         event.Published,
	}
	return json.Marshal(out)
}

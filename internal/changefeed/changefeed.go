// Package changefeed re-publishes upstream resource change events to
// per-account subscribers over websockets.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

const (
	VMResource      = "vm"
	NICResource     = "nic"
	NetworkResource = "network"

	ownerField = "owner_uuid"
	stateField = "state"
)

var (
	// ErrConnectionClosed is returned when sending on a connection that has
	// already been torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMustUpgrade is returned for changefeed requests that cannot be
	// upgraded to a websocket.
	ErrMustUpgrade = errors.New("Connection Must Upgrade For WebSockets")
)

type (
	// ChangeKind describes the shape of a change: the resource affected and
	// the sub-resources that changed. It also serves as a subscriber's
	// request, naming the resource and the sub-resources of interest.
	ChangeKind struct {
		Resource     string   `json:"resource"`
		SubResources []string `json:"subResources"`
	}

	// ChangeEvent is a notification from upstream that a resource changed.
	ChangeEvent struct {
		ChangeKind        ChangeKind
		ResourceObject    map[string]any
		ChangedResourceID string
		Published         string
	}

	// Subscription is a connection's registered interest in changes.
	Subscription struct {
		ChangeKind

		ConnectionID uuid.UUID
		Account      string
	}

	// Source is a stream of change events.
	Source interface {
		// Next blocks until the next event is available or the context is
		// done.
		Next(ctx context.Context) (ChangeEvent, error)
	}

	// Translator converts an internal resource object into its public form.
	Translator interface {
		Translate(resource map[string]any, account string) (map[string]any, error)
	}

	// TranslatorFunc allows an ordinary function to be used as a Translator.
	TranslatorFunc func(resource map[string]any, account string) (map[string]any, error)

	// changeEventJSON is the wire form of a change event. Upstream nests the
	// resource object within the change kind; outbound messages do the same.
	changeEventJSON struct {
		ChangeKind struct {
			Resource       string         `json:"resource"`
			SubResources   []string       `json:"subResources"`
			ResourceObject map[string]any `json:"resourceObject,omitempty"`
		} `json:"changeKind"`
		ResourceObject    map[string]any `json:"resourceObject,omitempty"`
		ChangedResourceID string         `json:"changedResourceId,omitempty"`
		Published         string         `json:"published,omitempty"`
	}
)

func (f TranslatorFunc) Translate(resource map[string]any, account string) (map[string]any, error) {
	return f(resource, account)
}

// ParseChangeKind parses a subscriber's subscription request. Both fields
// must be present and of the correct type.
func ParseChangeKind(data []byte) (ChangeKind, error) {
	var req struct {
		Resource     *string   `json:"resource"`
		SubResources *[]string `json:"subResources"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return ChangeKind{}, fmt.Errorf("parsing changeKind: %w", err)
	}
	if req.Resource == nil {
		return ChangeKind{}, errors.New("changeKind.resource (string) is required")
	}
	if req.SubResources == nil {
		return ChangeKind{}, errors.New("changeKind.subResources ([string]) is required")
	}
	return ChangeKind{Resource: *req.Resource, SubResources: *req.SubResources}, nil
}

// Intersect returns the sub-resources present in both kinds, in the order
// they appear in k, without duplicates.
func (k ChangeKind) Intersect(other []string) []string {
	var matches []string
	for _, sr := range k.SubResources {
		if slices.Contains(other, sr) && !slices.Contains(matches, sr) {
			matches = append(matches, sr)
		}
	}
	return matches
}

// Owner returns the owner of the changed resource, or an empty string if no
// owner is recorded.
func (e ChangeEvent) Owner() string {
	owner, _ := e.ResourceObject[ownerField].(string)
	return owner
}

func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	var raw changeEventJSON
	raw.ChangeKind.Resource = e.ChangeKind.Resource
	raw.ChangeKind.SubResources = e.ChangeKind.SubResources
	raw.ChangeKind.ResourceObject = e.ResourceObject
	raw.ChangedResourceID = e.ChangedResourceID
	raw.Published = e.Published
	return json.Marshal(raw)
}

func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var raw changeEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ChangeKind = ChangeKind{
		Resource:     raw.ChangeKind.Resource,
		SubResources: raw.ChangeKind.SubResources,
	}
	e.ResourceObject = raw.ChangeKind.ResourceObject
	if e.ResourceObject == nil {
		e.ResourceObject = raw.ResourceObject
	}
	e.ChangedResourceID = raw.ChangedResourceID
	e.Published = raw.Published
	return nil
}

func (e ChangeEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("resource", e.ChangeKind.Resource),
		slog.Any("sub_resources", e.ChangeKind.SubResources),
		slog.String("id", e.ChangedResourceID),
	)
}

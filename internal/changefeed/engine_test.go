package changefeed

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	sub := Subscription{
		ChangeKind: ChangeKind{Resource: VMResource, SubResources: []string{"state", "tags"}},
		Account:    "A",
	}

	tests := []struct {
		name  string
		event ChangeEvent
		sub   Subscription
		want  Decision
	}{
		{"intersecting and owned", newVMEvent("A", "running", "tags", "nics"), sub, DecisionDeliver},
		{"intersecting but not owned", newVMEvent("B", "running", "tags", "nics"), sub, DecisionNotOwner},
		{"no intersection", newVMEvent("A", "running", "nics", "alias"), sub, DecisionNoMatch},
		{"no sub-resources", newVMEvent("A", "running"), sub, DecisionNoMatch},
		{
			"missing owner",
			ChangeEvent{ChangeKind: ChangeKind{Resource: VMResource, SubResources: []string{"state"}}},
			sub,
			DecisionNotOwner,
		},
		{
			"unsupported resource",
			newVMEvent("A", "running", "state"),
			Subscription{ChangeKind: ChangeKind{Resource: NICResource, SubResources: []string{"state"}}, Account: "A"},
			DecisionUnsupported,
		},
		{
			"ownership checked before resource kind",
			newVMEvent("B", "running", "state"),
			Subscription{ChangeKind: ChangeKind{Resource: NetworkResource, SubResources: []string{"state"}}, Account: "A"},
			DecisionNotOwner,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.event, tt.sub))
		})
	}
}

func TestEngine_Deliver(t *testing.T) {
	hub := newTestHub(t, Options{})
	ch, _ := subscribe(t, hub, "A", ChangeKind{Resource: VMResource, SubResources: []string{"state", "tags"}})

	hub.Publish(newVMEvent("A", "running", "tags", "nics"))
	hub.Publish(newVMEvent("B", "running", "tags", "nics"))

	got := ch.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Owner())
	assert.Equal(t, true, got[0].ResourceObject["translated"])
	assert.Equal(t, []string{"tags", "nics"}, got[0].ChangeKind.SubResources)
}

func TestEngine_RestoresOriginalState(t *testing.T) {
	hub := newTestHub(t, Options{})
	ch, _ := subscribe(t, hub, "A", ChangeKind{Resource: VMResource, SubResources: []string{"state"}})

	// the translator collapses "down" into "stopped"
	event := newVMEvent("A", "down", "state")
	hub.Publish(event)

	got := ch.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, "down", got[0].ResourceObject["state"])
	// the upstream event is untouched
	assert.Equal(t, "down", event.ResourceObject["state"])
	assert.NotContains(t, event.ResourceObject, "translated")
}

func TestEngine_StateAbsentUpstream(t *testing.T) {
	hub := newTestHub(t, Options{
		Translator: TranslatorFunc(func(obj map[string]any, _ string) (map[string]any, error) {
			obj["state"] = "unknown"
			return obj, nil
		}),
	})
	ch, _ := subscribe(t, hub, "A", ChangeKind{Resource: VMResource, SubResources: []string{"tags"}})

	event := newVMEvent("A", "", "tags")
	delete(event.ResourceObject, "state")
	hub.Publish(event)

	got := ch.received(t)
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].ResourceObject, "state")
}

func TestEngine_IndependentCopies(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []map[string]any
	)
	hub := newTestHub(t, Options{
		Translator: TranslatorFunc(func(obj map[string]any, _ string) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, obj)
			// mutate nested data to detect sharing
			obj["tags"].(map[string]any)["seen"] = len(seen)
			return obj, nil
		}),
	})
	kind := ChangeKind{Resource: VMResource, SubResources: []string{"state"}}
	ch1, _ := subscribe(t, hub, "A", kind)
	ch2, _ := subscribe(t, hub, "A", kind)

	event := newVMEvent("A", "running", "state")
	hub.Publish(event)

	got1 := ch1.received(t)
	got2 := ch2.received(t)
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)

	// each translation received its own copy, down to nested maps.
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0]["tags"].(map[string]any)["seen"])
	assert.Equal(t, 2, seen[1]["tags"].(map[string]any)["seen"])
	assert.NotContains(t, event.ResourceObject["tags"], "seen")
}

func TestEngine_TranslationFailureIsolated(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	hub := newTestHub(t, Options{
		Translator: TranslatorFunc(func(obj map[string]any, _ string) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("translation failed")
			}
			return obj, nil
		}),
	})
	kind := ChangeKind{Resource: VMResource, SubResources: []string{"state"}}
	ch1, _ := subscribe(t, hub, "A", kind)
	ch2, _ := subscribe(t, hub, "A", kind)

	hub.Publish(newVMEvent("A", "running", "state"))

	assert.Empty(t, ch1.received(t))
	assert.Len(t, ch2.received(t), 1)
	// the failure does not tear down the connection
	assert.Equal(t, 2, hub.Connections())
}

func TestEngine_TranslatorPanicIsolated(t *testing.T) {
	var calls int
	hub := newTestHub(t, Options{
		Translator: TranslatorFunc(func(obj map[string]any, _ string) (map[string]any, error) {
			calls++
			if calls == 1 {
				panic("boom")
			}
			return obj, nil
		}),
	})
	kind := ChangeKind{Resource: VMResource, SubResources: []string{"state"}}
	ch1, _ := subscribe(t, hub, "A", kind)
	ch2, _ := subscribe(t, hub, "A", kind)

	hub.Publish(newVMEvent("A", "running", "state"))

	assert.Empty(t, ch1.received(t))
	assert.Len(t, ch2.received(t), 1)
}

func TestEngine_ConnectionGoneBeforeSend(t *testing.T) {
	hub := newTestHub(t, Options{})
	ch, sub := subscribe(t, hub, "A", ChangeKind{Resource: VMResource, SubResources: []string{"state"}})
	other, _ := subscribe(t, hub, "A", ChangeKind{Resource: VMResource, SubResources: []string{"state"}})

	// simulate the connection ending between the bus snapshot and the send.
	hub.registry.Remove(sub.ConnectionID)
	err := hub.engine.deliver(newVMEvent("A", "running", "state"), sub)
	assert.NoError(t, err)

	hub.Publish(newVMEvent("A", "running", "state"))

	assert.Empty(t, ch.received(t))
	assert.Len(t, other.received(t), 1)
}

func TestEngine_SendFailureRemovesConnection(t *testing.T) {
	hub := newTestHub(t, Options{})
	ch, sub := subscribe(t, hub, "A", ChangeKind{Resource: VMResource, SubResources: []string{"state"}})
	ch.sendErr = errors.New("broken pipe")

	err := hub.engine.deliver(newVMEvent("A", "running", "state"), sub)
	assert.NoError(t, err)

	_, ok := hub.registry.Get(sub.ConnectionID)
	assert.False(t, ok)
	assert.Equal(t, 0, hub.bus.Len(VMResource))
}

func TestEngine_UnsupportedResource(t *testing.T) {
	hub := newTestHub(t, Options{})
	ch, _ := subscribe(t, hub, "A", ChangeKind{Resource: NICResource, SubResources: []string{"state"}})

	event := newVMEvent("A", "running", "state")
	event.ChangeKind.Resource = NICResource
	hub.Publish(event)

	assert.Empty(t, ch.received(t))
}

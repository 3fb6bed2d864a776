// Package machine translates internal VMAPI vm objects into the public
// machine representation.
package machine

import (
	"fmt"
	"time"

	"github.com/cloudapi/changefeed/internal/changefeed"
)

// Translator translates vm objects. It satisfies changefeed.Translator.
type Translator struct {
	// now is overridable in tests
	now func() time.Time
}

var _ changefeed.Translator = (*Translator)(nil)

func NewTranslator() *Translator {
	return &Translator{now: time.Now}
}

// Translate converts a VMAPI vm object into a public machine object.
func (t *Translator) Translate(vm map[string]any, _ string) (map[string]any, error) {
	id, ok := vm["uuid"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid vm: uuid must be a string, got %T", vm["uuid"])
	}
	brand, _ := vm["brand"].(string)

	metadata := objectOrEmpty(vm["customer_metadata"])
	if metadata == nil {
		return nil, fmt.Errorf("invalid vm %s: customer_metadata must be an object, got %T", id, vm["customer_metadata"])
	}
	tags := objectOrEmpty(vm["tags"])
	if tags == nil {
		return nil, fmt.Errorf("invalid vm %s: tags must be an object, got %T", id, vm["tags"])
	}

	m := map[string]any{
		"id":       id,
		"name":     vm["alias"],
		"type":     machineType(brand),
		"brand":    brand,
		"state":    State(stringField(vm, "state")),
		"image":    vm["image_uuid"],
		"memory":   number(vm["ram"]),
		"disk":     number(vm["quota"]) * 1024,
		"metadata": metadata,
		"tags":     tags,
		"created":  stringOr(vm["create_timestamp"], t.now().UTC().Format(time.RFC3339)),
		"updated":  stringOr(vm["last_modified"], t.now().UTC().Format(time.RFC3339)),
	}

	nics, ips, primaryIP, err := translateNICs(vm["nics"])
	if err != nil {
		return nil, fmt.Errorf("invalid vm %s: %w", id, err)
	}
	m["nics"] = nics
	m["ips"] = ips
	if primaryIP != "" {
		m["primaryIp"] = primaryIP
	}

	if server, ok := vm["server_uuid"].(string); ok && server != "" {
		m["compute_node"] = server
	}
	if fw, ok := vm["firewall_enabled"].(bool); ok {
		m["firewall_enabled"] = fw
	}
	if owner, ok := vm["owner_uuid"]; ok {
		m["owner_uuid"] = owner
	}
	if destroyed, ok := vm["destroyed"]; ok && destroyed != nil {
		m["destroyed"] = destroyed
	}
	return m, nil
}

// State translates an internal vm state into its public equivalent. Several
// internal states map onto one public state.
func State(state string) string {
	switch state {
	case "configured", "incomplete", "unavailable", "provisioning":
		return "provisioning"
	case "ready":
		return "ready"
	case "running":
		return "running"
	case "halting", "stopping", "shutting_down":
		return "stopping"
	case "off", "down", "installed", "stopped":
		return "stopped"
	case "unreachable":
		return "offline"
	case "destroyed":
		return "deleted"
	case "failed":
		return "failed"
	default:
		return "unknown"
	}
}

func translateNICs(v any) (nics []map[string]any, ips []string, primaryIP string, err error) {
	nics = []map[string]any{}
	ips = []string{}
	if v == nil {
		return nics, ips, "", nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, nil, "", fmt.Errorf("nics must be an array, got %T", v)
	}
	for i, item := range list {
		nic, ok := item.(map[string]any)
		if !ok {
			return nil, nil, "", fmt.Errorf("nics[%d] must be an object, got %T", i, item)
		}
		primary, _ := nic["primary"].(bool)
		out := map[string]any{
			"mac":     nic["mac"],
			"ip":      nic["ip"],
			"primary": primary,
			"network": nic["network_uuid"],
		}
		if netmask, ok := nic["netmask"]; ok {
			out["netmask"] = netmask
		}
		if gateway, ok := nic["gateway"]; ok {
			out["gateway"] = gateway
		}
		if state, ok := nic["state"]; ok {
			out["state"] = state
		}
		nics = append(nics, out)

		if ip, ok := nic["ip"].(string); ok {
			ips = append(ips, ip)
			if primary {
				primaryIP = ip
			}
		}
	}
	return nics, ips, primaryIP, nil
}

func machineType(brand string) string {
	switch brand {
	case "kvm", "bhyve":
		return "virtualmachine"
	default:
		return "smartmachine"
	}
}

// objectOrEmpty returns v as an object, an empty object if v is nil, or nil
// if v is of any other type.
func objectOrEmpty(v any) map[string]any {
	switch obj := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return obj
	default:
		return nil
	}
}

func number(v any) float64 {
	n, _ := v.(float64)
	return n
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
